package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	um "github.com/steelcutops/userctl/userctl/usermanager"
)

// Columns is the bulk file header, in template order.
var Columns = []string{"username", "fullname", "password", "shell", "role"}

// role may be left out; files written for the four column layout still load.
var requiredColumns = Columns[:4]

// Row is one account line of a bulk file.
type Row struct {
	Line     int     `json:"line"`
	Username string  `json:"username"`
	FullName string  `json:"fullName"`
	Password string  `json:"-"`
	Shell    string  `json:"shell"`
	Role     um.Role `json:"role"`

	// malformed is set when the line could not be split into the header's
	// columns; such a row always fails.
	malformed string
}

func (r Row) createRequest() um.CreateRequest {
	return um.CreateRequest{
		Username:        r.Username,
		FullName:        r.FullName,
		Role:            r.Role,
		Shell:           r.Shell,
		Password:        r.Password,
		PasswordConfirm: r.Password,
	}
}

// ParseCSV reads a bulk file. Header names are matched case-insensitively in
// any order. Blank lines are skipped and a data line with the wrong number of
// fields is returned as a row that fails validation, so one bad line never
// hides the rest of the file. Every field but the password is trimmed.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("bulk file is empty: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	rows := []Row{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rows = append(rows, Row{Line: perr.StartLine, malformed: perr.Err.Error()})
				continue
			}
			return nil, err
		}
		if isBlank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, rowFrom(line, record, index))
	}
	return rows, nil
}

func headerIndex(header []string) (map[string]int, error) {
	index := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if !slices.Contains(Columns, name) {
			return nil, fmt.Errorf("invalid header: unknown column %q (expected %s)", name, strings.Join(Columns, ","))
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("invalid header: duplicate column %q", name)
		}
		index[name] = i
	}
	for _, c := range requiredColumns {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("invalid header: missing column %q (expected %s)", c, strings.Join(Columns, ","))
		}
	}
	return index, nil
}

func rowFrom(line int, record []string, index map[string]int) Row {
	row := Row{Line: line, Role: um.RoleStudent}
	if len(record) != len(index) {
		row.malformed = fmt.Sprintf("expected %d fields, got %d", len(index), len(record))
	}

	raw := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}
	field := func(name string) string { return strings.TrimSpace(raw(name)) }
	row.Username = field("username")
	row.FullName = field("fullname")
	row.Password = raw("password")
	row.Shell = field("shell")
	if role := field("role"); role != "" {
		row.Role = um.Role(strings.ToLower(role))
	}
	return row
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

var templateRows = [][]string{
	{"jdoe", "John Doe", "Pass@123", "/bin/bash", string(um.RoleAdmin)},
	{"asmith", "Alice Smith", "Secret456", "/bin/zsh", string(um.RoleStudent)},
	{"guest", "Guest User", "Welcome789", "/bin/sh", string(um.RoleGuest)},
}

// WriteTemplate writes an example bulk file with one row per role.
func WriteTemplate(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(templateRows); err != nil {
		return err
	}
	return writer.Error()
}
