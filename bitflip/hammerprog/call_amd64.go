//go:build linux && amd64

package hammerprog

/*
static void hp_call_jit(void *code) {
	void (*fn)(void) = (void (*)(void))code;
	fn();
}
*/
import "C"

import "unsafe"

func callJIT(code []byte) {
	if len(code) == 0 {
		return
	}
	C.hp_call_jit(unsafe.Pointer(&code[0])) //nolint:govet
}
