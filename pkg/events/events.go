// Package events lists the text events of an Open Ephys recording, pairing
// the timestamps.npy and text.npy arrays of the message center.
package events

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

var (
	ErrCorruptArray   = errors.New("corrupt .npy data")
	ErrLengthMismatch = errors.New("timestamps and labels differ in length")
)

// MessageCenterDir is where a recording keeps its text events, relative to
// the experiment/recording folder.
var MessageCenterDir = filepath.Join("events", "Message_Center-904.0", "TEXT_group_1")

// Event is one timestamped label.
type Event struct {
	Timestamp string
	Label     string
}

// Locate returns the timestamps and labels paths inside an experiment folder.
func Locate(expFolder string) (timestamps, labels string) {
	dir := filepath.Join(expFolder, MessageCenterDir)
	return filepath.Join(dir, "timestamps.npy"), filepath.Join(dir, "text.npy")
}

// Missing returns the paths that do not name a regular file, in argument order.
func Missing(paths ...string) []string {
	var missing []string
	for _, p := range paths {
		if fi, err := os.Stat(p); err != nil || !fi.Mode().IsRegular() {
			missing = append(missing, p)
		}
	}
	return missing
}

func readArray(path string) (*Array, error) {
	f, err := fileio.Open(path)
	if err != nil {
		return nil, &models.TrackError{Op: "open array", Path: path, Err: models.WrapIO(err)}
	}
	defer f.Close()

	a, err := ReadNPY(f)
	if err != nil {
		return nil, &models.TrackError{Op: "read array", Path: path, Err: err}
	}
	return a, nil
}

// Load reads both arrays and pairs them in array order.
func Load(timestampsPath, labelsPath string) ([]Event, error) {
	stamps, err := readArray(timestampsPath)
	if err != nil {
		return nil, err
	}
	labels, err := readArray(labelsPath)
	if err != nil {
		return nil, err
	}
	if stamps.Len() != labels.Len() {
		return nil, fmt.Errorf("%w: %d timestamps, %d labels", ErrLengthMismatch, stamps.Len(), labels.Len())
	}

	log.WithFields(log.Fields{
		"timestamps": timestampsPath,
		"labels":     labelsPath,
		"events":     labels.Len(),
	}).Debug("Loaded events")

	out := make([]Event, labels.Len())
	for i := range out {
		out[i] = Event{Timestamp: stamps.String(i), Label: labels.String(i)}
	}
	return out, nil
}

// Format writes the listing: a title block then one "timestamp : label"
// line per event.
func Format(w io.Writer, events []Event) error {
	if _, err := fmt.Fprint(w, "-----------------\nTime (ms) : Event\n-----------------\n"); err != nil {
		return err
	}
	for _, e := range events {
		if _, err := fmt.Fprintf(w, "%s : %s\n", e.Timestamp, e.Label); err != nil {
			return err
		}
	}
	return nil
}
