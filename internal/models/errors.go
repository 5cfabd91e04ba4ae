package models

import "errors"

// Resolution failures. All of them are terminal for the call that
// returned them; callers match with errors.Is.
var (
	ErrInvalidFolderID = errors.New("invalid folder identifier")
	ErrFolderAccess    = errors.New("folder not accessible")
	ErrNoPairsFound    = errors.New("no image/caption pairs found")
	ErrDownload        = errors.New("download failed")
	ErrDecode          = errors.New("decode failed")
	ErrMirrorWrite     = errors.New("mirror write failed")
)

var (
	ErrShapeMismatch      = errors.New("image shapes differ")
	ErrInvalidSafetensors = errors.New("invalid safetensors file")
)
