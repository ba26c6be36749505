package config

import (
	"fmt"
	"os"
)

// Exitf prints one formatted line to stderr and exits with code 1. The
// maintenance CLI funnels every fatal path through it so operators see
// a single consistent error shape.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
