package explorer

import (
	goErrors "errors"
	"strings"

	"github.com/sidkik/mpysync/pkg/errors"
)

// Signatures of the OSErrors raised by MicroPython's uos module, matched
// against the traceback printed by the device. This depends on the wording of
// the firmware's error output, so a firmware that formats OSErrors
// differently will make failures surface as ProtocolErrors instead.
var remoteSignatures = []struct {
	kind     errors.FilesystemErrorKind
	patterns []string
}{
	{errors.NotEmpty, []string{"ENOTEMPTY", "EACCES", "[Errno 13]", "[Errno 39]"}},
	{errors.Exists, []string{"EEXIST", "[Errno 17]"}},
	{errors.NotFound, []string{"ENOENT", "ENODEV", "[Errno 2]", "[Errno 19]"}},
	{errors.Invalid, []string{"EINVAL", "OSError:"}},
}

// ClassifyRemote maps a failed device command to a FilesystemError for
// `path` if the device raised a recognizable OSError. Any other error is
// returned unchanged.
func ClassifyRemote(err error, path string) error {
	var remoteErr errors.RemoteExecutionError
	if !goErrors.As(err, &remoteErr) {
		return err
	}

	stderr := string(remoteErr.Stderr)
	for _, sig := range remoteSignatures {
		for _, pattern := range sig.patterns {
			if strings.Contains(stderr, pattern) {
				return errors.FilesystemError{Path: path, Kind: sig.kind, Err: err}
			}
		}
	}
	return err
}

// asProtocolError converts a device failure that isn't a filesystem error
// into a ProtocolError. Connection failures are passed through.
func asProtocolError(err error, context string) error {
	var fsErr errors.FilesystemError
	var connErr errors.ConnectionError
	var protoErr errors.ProtocolError
	switch {
	case goErrors.As(err, &fsErr), goErrors.As(err, &connErr), goErrors.As(err, &protoErr):
		return errors.WithContext(err, context)
	}
	return errors.NewProtocolError("%s: %s", context, err)
}
