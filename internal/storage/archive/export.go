package archive

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
)

var csvHeader = []string{"tag", "timestamp", "length", "csi"}

// CSVWriter writes samples as tag,timestamp,length,csi rows, the csi column
// holding the comma-separated vector.
type CSVWriter struct {
	w *csv.Writer
}

// NewCSVWriter writes the header row and returns the writer.
func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, err
	}
	return &CSVWriter{w: cw}, nil
}

// Write appends one row.
func (c *CSVWriter) Write(s capture.Sample) error {
	values := make([]string, len(s.Payload))
	for i, v := range s.Payload {
		values[i] = strconv.Itoa(int(v))
	}
	return c.w.Write([]string{
		strconv.Itoa(int(s.Tag)),
		strconv.FormatUint(s.Timestamp, 10),
		strconv.Itoa(int(s.Length)),
		strings.Join(values, ","),
	})
}

// Flush flushes buffered rows and reports any write error.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// Export writes every sample matching f to w as CSV and returns the row count.
func (a *PebbleArchive) Export(f Filter, w io.Writer) (int, error) {
	cw, err := NewCSVWriter(w)
	if err != nil {
		return 0, err
	}
	n := 0
	err = a.Scan(f, func(s capture.Sample) error {
		n++
		return cw.Write(s)
	})
	if err != nil {
		return n, err
	}
	return n, cw.Flush()
}
