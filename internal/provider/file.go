package provider

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"
)

// FileFormat selects how a backing file is decoded into values.
type FileFormat string

const (
	// FormatLine yields each line as a string value.
	FormatLine FileFormat = "line"
	// FormatJSON yields each top-level JSON value; a file that is one
	// big JSON array yields its elements.
	FormatJSON FileFormat = "json"
	// FormatCSV yields each row; with headers enabled rows become
	// objects keyed by column name, otherwise arrays of strings.
	FormatCSV FileFormat = "csv"
)

// FileOrder selects the order values are served in.
type FileOrder string

const (
	OrderSequential FileOrder = "sequential"
	OrderRandom     FileOrder = "random"
)

// FileOptions configures a file-backed provider.
type FileOptions struct {
	Format  FileFormat
	Order   FileOrder
	Headers bool // CSV only: first row names the columns
	Repeat  bool // restart from the top after the file is exhausted
	Buffer  int  // prefetch buffer size; <=0 means the default
}

const defaultFileBuffer = 64

// File streams values from a backing file through a bounded prefetch
// buffer. A reader goroutine refills the buffer lazily; Take blocks only
// the calling goroutine when the buffer is momentarily empty.
type File struct {
	name string
	path string
	opts FileOptions

	ch   chan any
	done chan struct{}

	mu      sync.Mutex
	peeked  []any
	readErr error
	closed  bool
}

// NewFile builds a file-backed provider and starts its reader. The file is
// opened lazily by the reader goroutine; a missing file surfaces as an
// error on the first Take.
func NewFile(name, path string, opts FileOptions) *File {
	if opts.Format == "" {
		opts.Format = FormatLine
	}
	if opts.Order == "" {
		opts.Order = OrderSequential
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultFileBuffer
	}
	f := &File{
		name: name,
		path: path,
		opts: opts,
		ch:   make(chan any, opts.Buffer),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *File) Name() string { return f.name }

func (f *File) run() {
	defer close(f.ch)
	for {
		err := f.readOnce()
		if err != nil {
			f.mu.Lock()
			f.readErr = err
			f.mu.Unlock()
			return
		}
		select {
		case <-f.done:
			return
		default:
		}
		if !f.opts.Repeat {
			return
		}
	}
}

func (f *File) readOnce() error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening provider file: %w", err)
	}
	defer file.Close()

	if f.opts.Order == OrderRandom {
		values, err := f.decodeAll(file)
		if err != nil {
			return err
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(values), func(i, j int) {
			values[i], values[j] = values[j], values[i]
		})
		for _, v := range values {
			if !f.send(v) {
				return nil
			}
		}
		return nil
	}

	return f.decodeStream(file, func(v any) bool { return f.send(v) })
}

func (f *File) decodeAll(r io.Reader) ([]any, error) {
	var values []any
	err := f.decodeStream(r, func(v any) bool {
		values = append(values, v)
		return true
	})
	return values, err
}

func (f *File) decodeStream(r io.Reader, emit func(any) bool) error {
	switch f.opts.Format {
	case FormatJSON:
		return decodeJSONStream(r, emit)
	case FormatCSV:
		return decodeCSVStream(r, f.opts.Headers, emit)
	default:
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !emit(line) {
				return nil
			}
		}
		return scanner.Err()
	}
}

func decodeJSONStream(r io.Reader, emit func(any) bool) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	// A leading '[' means the file is one array; stream its elements.
	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decoding json provider file: %w", err)
	}
	if delim, ok := tok.(json.Delim); ok && delim == '[' {
		for dec.More() {
			var v any
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("decoding json provider file: %w", err)
			}
			if !emit(normalizeJSON(v)) {
				return nil
			}
		}
		return nil
	}

	// Otherwise treat the file as a sequence of standalone JSON values.
	first := normalizeJSON(tokenValue(tok, dec))
	if !emit(first) {
		return nil
	}
	for {
		var v any
		if err := dec.Decode(&v); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("decoding json provider file: %w", err)
		}
		if !emit(normalizeJSON(v)) {
			return nil
		}
	}
}

// tokenValue rebuilds the value the first token belongs to. For scalars
// the token is the value; for '{' the remainder of the object is decoded.
func tokenValue(tok json.Token, dec *json.Decoder) any {
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok
	}
	if delim != '{' {
		return nil
	}
	obj := make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return obj
		}
		key, _ := keyTok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return obj
		}
		obj[key] = v
	}
	_, _ = dec.Token() // closing '}'
	return obj
}

// normalizeJSON converts json.Number leaves into int64 or float64 so
// template stringification of numbers is stable.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, child := range val {
			val[k] = normalizeJSON(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = normalizeJSON(child)
		}
		return val
	default:
		return v
	}
}

func decodeCSVStream(r io.Reader, headers bool, emit func(any) bool) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var columns []string
	if headers {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding csv provider file: %w", err)
		}
		columns = row
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding csv provider file: %w", err)
		}
		var v any
		if columns != nil {
			obj := make(map[string]any, len(columns))
			for i, col := range columns {
				if i < len(row) {
					obj[col] = row[i]
				}
			}
			v = obj
		} else {
			fields := make([]any, len(row))
			for i, field := range row {
				fields[i] = field
			}
			v = fields
		}
		if !emit(v) {
			return nil
		}
	}
}

func (f *File) send(v any) bool {
	select {
	case f.ch <- v:
		return true
	case <-f.done:
		return false
	}
}

// Peek returns the next buffered value without consuming it. It does not
// wait for the reader: an empty prefetch buffer yields (nil, false).
func (f *File) Peek() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	if len(f.peeked) == 0 {
		select {
		case v, ok := <-f.ch:
			if !ok {
				return nil, false
			}
			f.peeked = append(f.peeked, v)
		default:
			return nil, false
		}
	}
	return f.peeked[0], true
}

// Take consumes the next value, blocking until the prefetch buffer has one
// or the backing file is exhausted.
func (f *File) Take(ctx context.Context) (any, error) {
	f.mu.Lock()
	if len(f.peeked) > 0 {
		v := f.peeked[0]
		f.peeked = f.peeked[1:]
		f.mu.Unlock()
		return v, nil
	}
	f.mu.Unlock()

	select {
	case v, ok := <-f.ch:
		if !ok {
			f.mu.Lock()
			err := f.readErr
			f.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ErrExhausted
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push re-queues a returned value ahead of the file stream.
func (f *File) Push(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrExhausted
	}
	f.peeked = append(f.peeked, v)
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	return nil
}
