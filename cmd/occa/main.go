// occa inspects the available backends and manages the kernel build cache.
//
// Examples:
//
//	occa modes
//	occa info --props "mode=OpenMP, threads=4"
//	occa build --props "mode=Serial, language=Native" kernels.native addVectors norm2
//	occa cache list
//	occa cache clear
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/EMinsight/occa/backends/host"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := NewCLI(flag.CommandLine).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}
