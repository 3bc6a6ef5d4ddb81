// Package profilers sets up the optional profiling of the trainer. Linking it installs the flags
// -prof (HTTP pprof server on the given port) and -cpu_profile (CPU profile written to a file).
package profilers

import (
	"context"
	"flag"
	"fmt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the profile at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagKeepAlive  = flag.Bool("prof_keep_alive", false, "If set with -prof, the program is kept alive at the end "+
		"until interrupted, so the profiler can still be read.")
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// The returned function must be called (usually deferred) before the program exits.
func Setup(ctx context.Context) (onQuit func(), err error) {
	var stopCPU func()
	if *flagCPUProfile != "" {
		if stopCPU, err = startCPUProfile(*flagCPUProfile); err != nil {
			return nil, err
		}
	}
	addr := ""
	if *flagProfiler >= 0 {
		addr = fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("Starting profiler on %s/debug/pprof, e.g.: $ go tool pprof %s/debug/pprof/heap", addr, addr)
		go func() {
			klog.Errorf("Profiler on %s stopped: %v", addr, http.ListenAndServe(addr, nil))
		}()
	}
	return func() {
		if stopCPU != nil {
			stopCPU()
		}
		// Don't freeze on panic.
		if err := recover(); err != nil {
			panic(err)
		}
		if addr != "" && *flagKeepAlive {
			keepAlive(ctx, addr)
		}
	}, nil
}

// startCPUProfile creates the file and starts the CPU profiling there.
// It returns the function to be called on stop.
func startCPUProfile(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create CPU profile %q", path)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "could not start CPU profile")
	}
	return func() {
		pprof.StopCPUProfile()
		if err := f.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile %q: %v", path, err)
		}
	}, nil
}

// keepAlive blocks until ctx is done, so the HTTP profiler can still be read.
func keepAlive(ctx context.Context, addr string) {
	if ctx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", addr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-ctx.Done()
	fmt.Printf("... exiting ...\n")
}
