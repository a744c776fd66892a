package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

var ErrCoefficientsFormat = errors.New("malformed coefficients csv")

// WriteCoefficientsCSV writes an N x 2N coefficient matrix with the header
// "channel,c0..c{N-1},i0..i{N-1}" and one "c<n>" row per channel. Values use
// six-digit scientific notation.
func WriteCoefficientsCSV(w io.Writer, rows [][]float64) error {
	n := len(rows)
	header := make([]string, 0, 2*n+1)
	header = append(header, "channel")
	for i := 0; i < n; i++ {
		header = append(header, "c"+strconv.Itoa(i))
	}
	for i := 0; i < n; i++ {
		header = append(header, "i"+strconv.Itoa(i))
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, 2*n+1)
	for i, row := range rows {
		if len(row) != 2*n {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrCoefficientsFormat, i, len(row), 2*n)
		}
		record[0] = "c" + strconv.Itoa(i)
		for j, v := range row {
			record[j+1] = strconv.FormatFloat(v, 'e', 6, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCoefficientsCSV parses the format written by WriteCoefficientsCSV.
func ReadCoefficientsCSV(r io.Reader) ([][]float64, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing header", ErrCoefficientsFormat)
		}
		return nil, err
	}
	if len(header) < 1 || header[0] != "channel" || (len(header)-1)%2 != 0 {
		return nil, fmt.Errorf("%w: bad header %v", ErrCoefficientsFormat, header)
	}
	n := (len(header) - 1) / 2
	for i := 0; i < n; i++ {
		if header[1+i] != "c"+strconv.Itoa(i) || header[1+n+i] != "i"+strconv.Itoa(i) {
			return nil, fmt.Errorf("%w: bad header %v", ErrCoefficientsFormat, header)
		}
	}

	rows := make([][]float64, 0, n)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if record[0] != "c"+strconv.Itoa(len(rows)) {
			return nil, fmt.Errorf("%w: row %d labelled %q", ErrCoefficientsFormat, len(rows), record[0])
		}
		row := make([]float64, 2*n)
		for j := range row {
			row[j], err = strconv.ParseFloat(record[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %d: %w", ErrCoefficientsFormat, len(rows), j, err)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) != n {
		return nil, fmt.Errorf("%w: %d rows for %d channels", ErrCoefficientsFormat, len(rows), n)
	}
	return rows, nil
}

func WriteCoefficientsFile(path string, rows [][]float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCoefficientsCSV(file, rows); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ReadCoefficientsFile(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadCoefficientsCSV(file)
}
