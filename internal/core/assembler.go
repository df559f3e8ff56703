package core

import "thumbgate/internal/transform"

// Assemble picks the bytes to emit for a request: the transformed payload
// when the pipeline replaced it, the original otherwise. A failed transform
// is indistinguishable from no transform at all.
func Assemble(original []byte, out transform.Outcome) []byte {
	if out.Kind == transform.Replaced && len(out.Data) > 0 {
		return out.Data
	}
	return original
}
