// Package utils contains small lifecycle helpers shared by the pipeline packages.
package utils

// Guard runs cleanup for a resource only when the function that acquired it fails before handing
// it off. Usage:
//
//	guard := NewGuard(func() { f.Release() })
//	defer guard.OnFail()
//	if err := step(); err != nil { return err }
//	guard.Success()
//	return handOff(f)
type Guard struct {
	OnFail  func()
	success bool
}

// NewGuard returns a Guard that calls onFailCleanup from OnFail unless Success was called.
func NewGuard(onFailCleanup func()) *Guard {
	ret := &Guard{}
	ret.OnFail = func() {
		if !ret.success {
			onFailCleanup()
		}
	}
	return ret
}

// Success declares the resource was handed off and the cleanup must not run.
func (guard *Guard) Success() {
	guard.success = true
}
