package writer

import "fmt"

// PersistError reports a failure to write a snapshot to local storage.
type PersistError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// MirrorError reports a failed upload of a written snapshot. The local file
// is unaffected.
type MirrorError struct {
	Path     string
	Location string
	Err      error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s to %s: %v", e.Path, e.Location, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }
