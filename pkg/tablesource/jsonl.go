package tablesource

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

const maxJSONLLine = 16 << 20

// ReadJSONL reads one row object per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]payload.Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	var rows []payload.Row
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		row, err := decodeRowJSON([]byte(text))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read jsonl")
	}
	return rows, nil
}

// WriteJSONL writes one row object per line.
func WriteJSONL(w io.Writer, rows []payload.Row) error {
	enc := json.NewEncoder(w)
	for i, r := range rows {
		if err := enc.Encode(r); err != nil {
			return errors.Wrapf(err, "row %d", i)
		}
	}
	return nil
}

var demoCategories = []string{"alpha", "beta", "gamma", "delta"}

// DemoRows generates n deterministic rows labelled with prefix, for demos and scenarios.
func DemoRows(prefix string, n int) []payload.Row {
	rows := make([]payload.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, payload.Row{
			"name":     fmt.Sprintf("%s-%d", prefix, i),
			"value":    int64((i*37 + len(prefix)*11) % 1000),
			"ratio":    float64(i%17) / 8,
			"category": demoCategories[i%len(demoCategories)],
			"meta":     map[string]any{"source": prefix, "even": i%2 == 0},
		})
	}
	return rows
}
