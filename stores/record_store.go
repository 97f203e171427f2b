package stores

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
	md "wuyrush.io/listings/models"
)

// Columns is the canonical column set of the listings file, in on-disk order. New columns may only be
// appended to the end so that Migrate can backfill older files.
var Columns = []string{
	"id",
	"created_utc",
	"kind",
	"title",
	"price",
	"phone",
	"description",
	"photos",
	"password",
}

// legacyColumns maps column names used by older listings files to their canonical name
var legacyColumns = map[string]string{
	"price_tenge": "price",
}

const errMsgUnknownHeader = "listings file header is unrecognized; fix it by hand before editing listings"

// RecordStore vends the interface to interact with listing records.
type RecordStore interface {
	// ReadAll returns all valid records in stored order. Records without id are skipped
	ReadAll() ([]*md.Listing, *se.Err)
	// WriteAll replaces the whole store with ls. A crash mid-write never corrupts the live store
	WriteAll(ls []*md.Listing) *se.Err
	// AppendOne migrates the store's header if needed, then appends l
	AppendOne(l *md.Listing) *se.Err
	FindByID(id string) (*md.Listing, *se.Err)
	// Update runs a read-modify-write cycle. fn returning a nil slice skips the write
	Update(fn func([]*md.Listing) ([]*md.Listing, *se.Err)) *se.Err
	// Migrate ensures the store carries the canonical header. Migrate must be idempotent
	Migrate() *se.Err
	// Export streams the raw backing file
	Export(w io.Writer) *se.Err
	Close() *se.Err
}

// CSVRecordStore implements RecordStore backed by a single CSV file.
//
// mu serializes access from within one process only; writers in different processes still race and the
// last one wins.
type CSVRecordStore struct {
	path string
	mu   sync.Mutex
}

// NewCSVRecordStore returns a store keeping its file under dataDir, creating the directory if needed
func NewCSVRecordStore(dataDir string) (*CSVRecordStore, *se.Err) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, se.NewServiceFailure("error creating data directory").WithCause(err)
	}
	return &CSVRecordStore{path: filepath.Join(dataDir, cst.SubmissionsFile)}, nil
}

// Path returns the location of the backing file
func (s *CSVRecordStore) Path() string {
	return s.path
}

func (s *CSVRecordStore) ReadAll() ([]*md.Listing, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *CSVRecordStore) WriteAll(ls []*md.Listing) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAll(ls)
}

func (s *CSVRecordStore) AppendOne(l *md.Listing) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	clog := logging.WithFuncName().WithField(cst.LogFieldListingID, l.ID)
	if err := s.migrate(); err != nil {
		return err
	}
	// rows are appended in canonical column order
	if header, err := s.readHeader(); err != nil {
		return err
	} else if !equal(header, Columns) {
		clog.WithField("header", header).Error("refusing to append to listings file")
		return se.NewServiceFailure(errMsgUnknownHeader)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		clog.WithError(err).Error("error opening listings file for append")
		return se.NewServiceFailure("error saving listing").WithCause(err)
	}
	defer f.Close()
	// a hand-edited file may lack the trailing newline; without one the new row would merge into the last
	if newline, err := endsWithNewline(f); err != nil {
		return se.NewServiceFailure("error saving listing").WithCause(err)
	} else if !newline {
		if _, err := f.WriteString("\n"); err != nil {
			return se.NewServiceFailure("error saving listing").WithCause(err)
		}
	}
	w := csv.NewWriter(f)
	if err := w.Write(toRow(l)); err != nil {
		clog.WithError(err).Error("error writing listing row")
		return se.NewServiceFailure("error saving listing").WithCause(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		clog.WithError(err).Error("error flushing listing row")
		return se.NewServiceFailure("error saving listing").WithCause(err)
	}
	return nil
}

func (s *CSVRecordStore) FindByID(id string) (*md.Listing, *se.Err) {
	ls, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	if l := Find(ls, id); l != nil {
		return l, nil
	}
	return nil, se.NewNotFound("listing not found")
}

func (s *CSVRecordStore) Update(fn func([]*md.Listing) ([]*md.Listing, *se.Err)) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, err := s.readAll()
	if err != nil {
		return err
	}
	out, err := fn(ls)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return s.writeAll(out)
}

func (s *CSVRecordStore) Migrate() *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrate()
}

func (s *CSVRecordStore) Export(w io.Writer) *se.Err {
	s.mu.Lock()
	b, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return se.NewNotFound("listings file not found").WithCause(err)
		}
		return se.NewServiceFailure("error reading listings file").WithCause(err)
	}
	if _, err := w.Write(b); err != nil {
		return se.NewServiceFailure("error exporting listings file").WithCause(err)
	}
	return nil
}

func (s *CSVRecordStore) Close() *se.Err {
	return nil
}

// Find returns the listing in ls with the given id, ignoring surrounding whitespace, or nil
func Find(ls []*md.Listing, id string) *md.Listing {
	id = strings.TrimSpace(id)
	for _, l := range ls {
		if strings.TrimSpace(l.ID) == id {
			return l
		}
	}
	return nil
}

func (s *CSVRecordStore) readAll() ([]*md.Listing, *se.Err) {
	rows, err := s.readRows()
	if err != nil {
		return nil, err
	}
	ls := []*md.Listing{}
	if len(rows) == 0 {
		return ls, nil
	}
	idx := columnIndex(rows[0])
	for _, row := range rows[1:] {
		get := func(col string) string {
			if i, ok := idx[col]; ok && i < len(row) {
				return row[i]
			}
			return ""
		}
		if strings.TrimSpace(get("id")) == "" {
			continue
		}
		ls = append(ls, &md.Listing{
			ID:          get("id"),
			CreatedUTC:  get("created_utc"),
			Kind:        md.Kind(get("kind")),
			Title:       get("title"),
			Price:       get("price"),
			Phone:       get("phone"),
			Description: get("description"),
			Photos:      md.SplitPhotos(get("photos")),
			Password:    get("password"),
		})
	}
	return ls, nil
}

// readRows returns nil rows when the file does not exist yet
func (s *CSVRecordStore) readRows() ([][]string, *se.Err) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, se.NewServiceFailure("error opening listings file").WithCause(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	// rows written before a migration may be shorter than the header
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		logging.WithFuncName().WithError(err).WithField("path", s.path).Error("error parsing listings file")
		return nil, se.NewServiceFailure("error parsing listings file").WithCause(err)
	}
	return rows, nil
}

// readHeader returns the first row of the listings file, or nil when there is none
func (s *CSVRecordStore) readHeader() ([]string, *se.Err) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, se.NewServiceFailure("error opening listings file").WithCause(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, se.NewServiceFailure("error parsing listings file").WithCause(err)
	}
	return header, nil
}

func (s *CSVRecordStore) writeAll(ls []*md.Listing) *se.Err {
	header, err := s.readHeader()
	if err != nil {
		return err
	}
	// rewriting drops columns the store does not know about
	if unknown := unknownColumns(header); len(unknown) > 0 {
		logging.WithFuncName().WithField("unknownColumns", unknown).Error("refusing to rewrite listings file")
		return se.NewServiceFailure(errMsgUnknownHeader)
	}
	rows := make([][]string, 0, len(ls)+1)
	rows = append(rows, Columns)
	for _, l := range ls {
		rows = append(rows, toRow(l))
	}
	return s.writeRows(rows)
}

func (s *CSVRecordStore) writeRows(rows [][]string) *se.Err {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return se.NewServiceFailure("error encoding listings").WithCause(err)
	}
	if err := atomic.WriteFile(s.path, &buf); err != nil {
		logging.WithFuncName().WithError(err).WithField("path", s.path).Error("error replacing listings file")
		return se.NewServiceFailure("error writing listings file").WithCause(err)
	}
	return nil
}

func (s *CSVRecordStore) migrate() *se.Err {
	clog := logging.WithFuncName().WithField("path", s.path)
	rows, err := s.readRows()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return s.writeRows([][]string{Columns})
	}
	header := canonicalNames(rows[0])
	if equal(rows[0], Columns) {
		return nil
	}
	if !equal(header, Columns) && !isStrictPrefix(header, Columns) {
		// any other drift is left alone rather than risk destroying data
		clog.WithField("header", header).Warn("listings file header is unexpected; leaving it untouched")
		return nil
	}
	migrated := make([][]string, 0, len(rows))
	migrated = append(migrated, Columns)
	for _, row := range rows[1:] {
		for len(row) < len(Columns) {
			row = append(row, "")
		}
		migrated = append(migrated, row)
	}
	clog.WithFields(logrus.Fields{
		"header":       rows[0],
		"addedColumns": Columns[len(header):],
	}).Info("migrating listings file header")
	return s.writeRows(migrated)
}

// canonicalNames returns header with legacy column names replaced by their canonical ones
func canonicalNames(header []string) []string {
	names := make([]string, len(header))
	for i, name := range header {
		if canonical, ok := legacyColumns[name]; ok {
			name = canonical
		}
		names[i] = name
	}
	return names
}

// columnIndex maps canonical column names to their position in header. The first occurrence wins, and a
// canonical name wins over its legacy alias
func columnIndex(header []string) map[string]int {
	idx := map[string]int{}
	for i, name := range header {
		if _, ok := idx[name]; !ok {
			idx[name] = i
		}
	}
	for i, name := range header {
		if canonical, ok := legacyColumns[name]; ok {
			if _, taken := idx[canonical]; !taken {
				idx[canonical] = i
			}
		}
	}
	return idx
}

func unknownColumns(header []string) []string {
	known := make(map[string]struct{}, len(Columns))
	for _, c := range Columns {
		known[c] = struct{}{}
	}
	var unknown []string
	for _, name := range canonicalNames(header) {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

func toRow(l *md.Listing) []string {
	return []string{
		l.ID,
		l.CreatedUTC,
		string(l.Kind),
		l.Title,
		l.Price,
		l.Phone,
		l.Description,
		md.JoinPhotos(l.Photos),
		l.Password,
	}
}

func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, info.Size()-1); err != nil {
		return false, err
	}
	return b[0] == '\n', nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isStrictPrefix(prefix, full []string) bool {
	return len(prefix) < len(full) && equal(prefix, full[:len(prefix)])
}
