//go:build llama

package engine

// Link against libllama in ./bin and find it next to the binary at runtime.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
