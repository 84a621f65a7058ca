package explorer

import (
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mpysync/pkg/entity"
	"github.com/sidkik/mpysync/pkg/errors"
)

// The helper modules every session imports. Both fall back to the CPython
// names for ports that don't ship the u-prefixed aliases.
const (
	importOS       = "try:\n    import uos\nexcept ImportError:\n    import os as uos\nimport sys"
	importBinascii = "try:\n    import ubinascii\nexcept ImportError:\n    import binascii as ubinascii"
)

// Mode bits reported by uos.stat and uos.ilistdir.
const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
)

func (e *Explorer) init() error {
	if e.initialized() {
		return nil
	}

	if err := e.device.Open(); err != nil {
		return errors.WithContext(err, "open")
	}

	if err := e.enterRawREPL(); err != nil {
		e.device.Exit()
		return err
	}

	if err := e.setupSession(); err != nil {
		e.device.Exit()
		return err
	}

	e.setStatus(Ready)
	log.WithFields(log.Fields{
		"device":   e.device.Name(),
		"platform": e.info.Platform,
		"release":  e.info.Release,
		"cwd":      e.cwd,
	}).Debug("Connected to device")
	return nil
}

func (e *Explorer) enterRawREPL() error {
	err := e.device.EnterRawREPL()
	if err == nil {
		return nil
	}

	log.WithError(err).Debug("Failed to enter raw repl. Retrying.")
	e.clock.Sleep(retryDelay)
	if err := e.device.EnterRawREPL(); err != nil {
		return errors.ConnectionError{Device: e.device.Name(), Err: err}
	}
	return nil
}

func (e *Explorer) setupSession() error {
	for _, cmd := range []string{importOS, importBinascii} {
		if _, err := e.device.Exec(cmd); err != nil {
			return errors.WithContext(err, "import helpers")
		}
	}

	cwd, err := e.device.Eval("uos.getcwd()")
	if err != nil {
		return errors.WithContext(err, "get cwd")
	}
	e.cwd = entity.Resolve("/", string(cwd))

	platform, err := e.device.Eval("uos.uname()[0]")
	if err != nil {
		return errors.WithContext(err, "get platform")
	}

	release, err := e.device.Eval("uos.uname()[2]")
	if err != nil {
		return errors.WithContext(err, "get release")
	}
	e.info = Info{Platform: string(platform), Release: string(release)}
	return nil
}

func (e *Explorer) close() {
	e.device.Exit()
	e.setStatus(Unknown)
}

func (e *Explorer) abspath(p string) string {
	return entity.Resolve(e.cwd, p)
}

func (e *Explorer) cd(p string) error {
	abs := e.abspath(p)
	dir, ok, err := e.exist(abs)
	if err != nil {
		return err
	}
	if !ok || !dir.IsDir() {
		return errors.FilesystemError{Path: abs, Kind: errors.NotFound}
	}
	e.cwd = abs
	return nil
}

func (e *Explorer) stat(p string) (entity.Entity, error) {
	abs := e.abspath(p)
	res, err := e.device.Eval(fmt.Sprintf("uos.stat(%s)", quote(abs)))
	if err != nil {
		// Every OSError from stat is reported as NotFound, whatever its errno.
		if fsErr := ClassifyRemote(err, abs); isFilesystemError(fsErr) {
			return entity.Entity{}, errors.FilesystemError{Path: abs, Kind: errors.NotFound, Err: err}
		}
		return entity.Entity{}, asProtocolError(err, fmt.Sprintf("stat %s", abs))
	}

	val, err := parseLiteral(string(res))
	if err != nil {
		return entity.Entity{}, errors.NewProtocolError("stat %s: %s", abs, err)
	}
	fields, ok := val.([]interface{})
	if !ok || len(fields) < 7 {
		return entity.Entity{}, errors.NewProtocolError("stat %s: unexpected result %q", abs, res)
	}
	mode, _ := fields[0].(int64)
	size, _ := fields[6].(int64)
	return entity.New(abs, "", kindOf(mode), size), nil
}

func (e *Explorer) exist(p string) (entity.Entity, bool, error) {
	f, err := e.stat(p)
	if err != nil {
		if errors.IsNotFound(err) {
			return entity.Entity{}, false, nil
		}
		return entity.Entity{}, false, err
	}
	return f, true, nil
}

func (e *Explorer) ls(p string) ([]entity.Entity, error) {
	abs := e.abspath(p)
	res, err := e.device.Eval(fmt.Sprintf("list(uos.ilistdir(%s))", quote(abs)))
	if err != nil {
		if fsErr := ClassifyRemote(err, abs); isFilesystemError(fsErr) {
			return nil, errors.FilesystemError{Path: abs, Kind: errors.NotFound, Err: err}
		}
		return nil, asProtocolError(err, fmt.Sprintf("list %s", abs))
	}

	val, err := parseLiteral(string(res))
	if err != nil {
		return nil, errors.NewProtocolError("list %s: %s", abs, err)
	}
	rows, ok := val.([]interface{})
	if !ok {
		return nil, errors.NewProtocolError("list %s: unexpected result %q", abs, res)
	}

	var files []entity.Entity
	for _, row := range rows {
		fields, ok := row.([]interface{})
		if !ok || len(fields) < 2 {
			return nil, errors.NewProtocolError("list %s: unexpected entry %v", abs, row)
		}
		name, _ := fields[0].(string)
		mode, _ := fields[1].(int64)
		size := int64(entity.SizeUnknown)
		if len(fields) >= 4 {
			size, _ = fields[3].(int64)
		}
		files = append(files, entity.New(abs, name, kindOf(mode), size))
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Kind != files[j].Kind {
			return files[i].Kind < files[j].Kind
		}
		return files[i].Abspath() < files[j].Abspath()
	})
	return files, nil
}

func (e *Explorer) mkdir(p string) (entity.Entity, error) {
	abs := e.abspath(p)
	if _, err := e.device.Eval(fmt.Sprintf("uos.mkdir(%s)", quote(abs))); err != nil {
		return entity.Entity{}, e.remoteError(err, abs, "mkdir")
	}
	return entity.NewDir(abs), nil
}

func (e *Explorer) mkdirs(p string) (entity.Entity, error) {
	abs := e.abspath(p)
	existing, ok, err := e.exist(abs)
	if err != nil {
		return entity.Entity{}, err
	}
	if ok {
		if !existing.IsDir() {
			return entity.Entity{}, errors.FilesystemError{Path: abs, Kind: errors.Exists}
		}
		return existing, nil
	}

	var last entity.Entity
	dir := "/"
	for _, part := range strings.Split(strings.TrimPrefix(abs, "/"), "/") {
		dir = path.Join(dir, part)
		if _, ok, err := e.exist(dir); err != nil {
			return entity.Entity{}, err
		} else if ok {
			continue
		}

		if last, err = e.mkdir(dir); err != nil {
			return entity.Entity{}, err
		}
	}
	return last, nil
}

func (e *Explorer) rm(p string) error {
	f, err := e.stat(p)
	if err != nil {
		return err
	}

	cmd := "uos.remove(%s)"
	if f.IsDir() {
		cmd = "uos.rmdir(%s)"
	}
	if _, err := e.device.Eval(fmt.Sprintf(cmd, quote(f.Abspath()))); err != nil {
		return e.remoteError(err, f.Abspath(), "remove")
	}
	return nil
}

func (e *Explorer) rmtree(p string) error {
	f, ok, err := e.exist(p)
	if err != nil || !ok {
		return err
	}

	if f.IsDir() {
		children, err := e.ls(f.Abspath())
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := e.rmtree(child.Abspath()); err != nil {
				return err
			}
		}
	}
	return e.rm(f.Abspath())
}

func (e *Explorer) walk(p string, topdown bool) ([]entity.Entity, error) {
	abs := e.abspath(p)
	dir, ok, err := e.exist(abs)
	if err != nil {
		return nil, err
	}
	if !ok || !dir.IsDir() {
		return nil, errors.FilesystemError{Path: abs, Kind: errors.Invalid,
			Err: errors.New("target is not a directory")}
	}

	children, err := e.ls(abs)
	if err != nil {
		return nil, err
	}

	var files, subtrees []entity.Entity
	for _, child := range children {
		if !child.IsDir() {
			files = append(files, child)
			continue
		}
		sub, err := e.walk(child.Abspath(), topdown)
		if err != nil {
			return nil, err
		}
		subtrees = append(subtrees, sub...)
	}

	if topdown {
		return append(append([]entity.Entity{dir}, files...), subtrees...), nil
	}
	return append(append(files, subtrees...), dir), nil
}

func (e *Explorer) download(p string, progress Progress) ([]byte, error) {
	f, err := e.stat(p)
	if err != nil {
		return nil, err
	}
	abs := f.Abspath()
	if f.IsDir() {
		return nil, errors.FilesystemError{Path: abs, Kind: errors.Invalid,
			Err: errors.New("target is a directory")}
	}

	if _, err := e.device.Exec(fmt.Sprintf("f = open(%s, 'rb')", quote(abs))); err != nil {
		return nil, e.remoteError(err, abs, "open")
	}

	data := make([]byte, 0, f.Size)
	readChunk := fmt.Sprintf(
		"c = ubinascii.b2a_base64(f.read(%d))\r\nsys.stdout.write(c)\r\n", ChunkSize)
	for int64(len(data)) < f.Size {
		encoded, err := e.device.Exec(readChunk)
		if err != nil {
			e.closeRemoteFile()
			return nil, e.remoteError(err, abs, "read")
		}

		chunk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			e.closeRemoteFile()
			return nil, errors.NewProtocolError("read %s: bad chunk encoding: %s", abs, err)
		}
		if len(chunk) == 0 {
			break
		}

		data = append(data, chunk...)
		if progress != nil {
			progress(len(data), int(f.Size))
		}
	}

	if _, err := e.device.Exec("f.close()"); err != nil {
		return nil, e.remoteError(err, abs, "close")
	}

	if int64(len(data)) != f.Size {
		return nil, errors.NewProtocolError("read %s: got %d bytes, expected %d",
			abs, len(data), f.Size)
	}
	return data, nil
}

func (e *Explorer) upload(p string, data []byte, progress Progress) (entity.Entity, error) {
	abs := e.abspath(p)
	existing, ok, err := e.exist(abs)
	if err != nil {
		return entity.Entity{}, err
	}
	if ok && existing.IsDir() {
		return entity.Entity{}, errors.FilesystemError{Path: abs, Kind: errors.Invalid,
			Err: errors.New("target is a directory")}
	}

	if _, err := e.mkdirs(path.Dir(abs)); err != nil {
		return entity.Entity{}, errors.WithContext(err, "create parent")
	}

	if _, err := e.device.Exec(fmt.Sprintf("f = open(%s, 'wb')", quote(abs))); err != nil {
		return entity.Entity{}, e.remoteError(err, abs, "open")
	}

	size := len(data)
	for start := 0; start < size; start += ChunkSize {
		end := start + ChunkSize
		if end > size {
			end = size
		}

		chunk := base64.StdEncoding.EncodeToString(data[start:end])
		cmd := fmt.Sprintf("f.write(ubinascii.a2b_base64('%s'))", chunk)
		if _, err := e.device.Exec(cmd); err != nil {
			e.closeRemoteFile()
			return entity.Entity{}, e.remoteError(err, abs, "write")
		}

		if progress != nil {
			progress(end, size)
		}
	}

	if _, err := e.device.Exec("f.close()"); err != nil {
		return entity.Entity{}, e.remoteError(err, abs, "close")
	}
	return entity.NewFile(abs, int64(size)), nil
}

// closeRemoteFile closes the file handle left open by a failed transfer.
func (e *Explorer) closeRemoteFile() {
	if _, err := e.device.Exec("f.close()"); err != nil {
		log.WithError(err).Debug("Failed to close remote file")
	}
}

// remoteError classifies a failed filesystem command.
func (e *Explorer) remoteError(err error, path, op string) error {
	if fsErr := ClassifyRemote(err, path); isFilesystemError(fsErr) {
		return fsErr
	}
	return asProtocolError(err, fmt.Sprintf("%s %s", op, path))
}

func isFilesystemError(err error) bool {
	_, ok := err.(errors.FilesystemError)
	return ok
}

func kindOf(mode int64) entity.Kind {
	if mode&modeTypeMask == modeDir {
		return entity.Directory
	}
	return entity.File
}
