package simplemedia

import "fmt"

// canServeMedia checks if a record's bytes can be handed out based on its status.
func canServeMedia(status MediaStatus) error {
	switch status {
	case StatusReady:
		return nil
	case StatusUploading:
		return fmt.Errorf("%w: media is queued for processing (status: %s)", ErrNotReady, status)
	case StatusProcessing:
		return fmt.Errorf("%w: media is being processed (status: %s)", ErrNotReady, status)
	case StatusFailed:
		return fmt.Errorf("%w: media processing failed (status: %s)", ErrNotReady, status)
	default:
		return fmt.Errorf("%w: unknown status %s", ErrConflict, status)
	}
}

// validTransition reports whether the pipeline may move a record from one status to another.
// uploading -> processing -> ready|failed, plus failed -> uploading for a retried upload
// and processing -> processing for a resumed job.
func validTransition(from, to MediaStatus) bool {
	switch from {
	case StatusUploading:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusReady || to == StatusFailed
	case StatusFailed:
		return to == StatusUploading
	}
	return false
}

func checkTransition(m *Media, to MediaStatus) error {
	if !validTransition(m.Status, to) {
		return fmt.Errorf("%w: cannot move media %s from %s to %s", ErrConflict, m.ID, m.Status, to)
	}
	return nil
}
