package devstore

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/extremofile"
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// NewFileStore loads devices from crash safe file pair in dir.
// Every mutation is written and synced before return.
func NewFileStore(log *log2.Log, dir string) (Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("devstore dir empty")
	}
	return openStorage(log, extremofile.New(extremofile.Config{
		Dir:      dir,
		DirPerm:  0755,
		FilePerm: 0644,
	}))
}

// extremofile overwrites without truncate, so document never shrinks:
// it is padded with spaces up to the longest length written so far.
func openStorage(log *log2.Log, st storage) (*memStore, error) {
	size := 0
	s := newMemStore(func(doc document) error {
		b, err := json.Marshal(doc)
		if err != nil {
			return errors.Trace(err)
		}
		if len(b) < size {
			b = append(b, bytes.Repeat([]byte{' '}, size-len(b))...)
		}
		size = len(b)
		tbegin := time.Now()
		_, err = st.Write(b)
		log.Debugf("devstore write len=%d duration=%v", len(b), time.Since(tbegin))
		if err != nil && !extremofile.IsCritical(err) {
			log.Errorf("devstore backup write err=%v", err)
			return nil
		}
		return err
	})

	b, err := st.Read()
	if err != nil {
		if extremofile.IsCritical(err) || b == nil {
			return nil, errors.Annotate(err, "devstore read")
		}
		log.Errorf("devstore ignore non-critical storage err=%v", err)
	}
	size = len(b)
	if len(b) != 0 {
		var doc document
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, errors.Annotate(err, "devstore decode")
		}
		if doc.Devices == nil {
			doc.Devices = make(map[string]Device)
		}
		s.doc = doc
	}
	log.Debugf("devstore loaded devices=%d counter=%d", len(s.doc.Devices), s.doc.Counter)
	return s, nil
}
