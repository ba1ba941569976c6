// Package snowflake generates and represents the 64-bit time-sortable
// identifiers used for every domain entity in AmityVox. ID is a named int64
// type with JSON, sql.Scanner, and driver.Valuer implementations, so
// repositories can Scan an ID directly out of a pgx row.
package snowflake

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amityvox/amityvox/internal/apperror"
)

const (
	// Epoch is the reference point identifiers are measured from, chosen so
	// the 42-bit timestamp component does not overflow for decades.
	epochMillis int64 = 1700000000000 // 2023-11-14T22:13:20Z

	workerBits   = 10
	sequenceBits = 12

	maxWorker   = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	workerShift = sequenceBits
	timeShift   = sequenceBits + workerBits
)

// ID is a 64-bit signed Snowflake identifier. It serializes as a decimal
// string in JSON so clients limited to 53-bit numeric precision (JavaScript)
// never lose precision.
type ID int64

// IsZero reports whether id is the zero value (used as a sentinel for
// "absent" optional ID fields).
func (id ID) IsZero() bool { return id == 0 }

// String returns the decimal representation of the identifier.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Time returns the wall-clock time encoded in the identifier's timestamp
// component.
func (id ID) Time() time.Time {
	ms := (int64(id) >> timeShift) + epochMillis
	return time.UnixMilli(ms)
}

// ParseID parses the decimal string representation of an identifier.
func ParseID(s string) (ID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snowflake id %q: %w", s, err)
	}
	return ID(v), nil
}

// MustParseID parses s and panics on error. Use only in tests or fixed
// initialization data.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// MarshalJSON implements json.Marshaler, encoding the ID as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == 0 {
		return json.Marshal("")
	}
	return json.Marshal(id.String())
}

// UnmarshalJSON implements json.Unmarshaler, decoding a JSON string to an ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling snowflake id JSON: %w", err)
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Scan implements database/sql.Scanner for reading IDs stored as BIGINT
// columns in PostgreSQL.
func (id *ID) Scan(src interface{}) error {
	if src == nil {
		*id = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*id = ID(v)
		return nil
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := ParseID(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("unsupported snowflake id scan source type: %T", src)
	}
}

// Value implements database/sql/driver.Valuer for writing IDs to BIGINT
// columns.
func (id ID) Value() (driver.Value, error) {
	if id == 0 {
		return nil, nil
	}
	return int64(id), nil
}

// Generator produces monotonic, time-sortable identifiers for a single
// worker. The zero value is not usable; construct with NewGenerator.
//
// Exactly one Generator should exist per worker process. Calling goroutines
// contend on a single mutex guarding the packed (lastMillis, sequence)
// state — the critical section is a handful of instructions, so this scales
// fine well past what a single gateway node needs.
type Generator struct {
	mu         sync.Mutex
	workerID   int64
	lastMillis int64
	sequence   int64
	now        func() time.Time // overridable in tests
}

// NewGenerator constructs a Generator for the given worker id (0..1023).
func NewGenerator(workerID int) (*Generator, error) {
	if workerID < 0 || workerID > maxWorker {
		return nil, fmt.Errorf("worker id %d out of range [0,%d]", workerID, maxWorker)
	}
	return &Generator{workerID: int64(workerID), now: time.Now}, nil
}

// Next produces the next identifier. If the per-millisecond sequence space
// is exhausted, it busy-waits until the clock advances to the next
// millisecond. If the wall clock moves backwards relative to the last
// generated identifier, it fails with a ClockRegression error rather than
// risk issuing a duplicate or out-of-order id.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli() - epochMillis

	if millis < g.lastMillis {
		return 0, apperror.NewClockRegression(
			fmt.Sprintf("clock moved backwards: last=%d current=%d", g.lastMillis, millis))
	}

	if millis == g.lastMillis {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence space exhausted within this millisecond; spin until
			// the clock ticks forward.
			for millis <= g.lastMillis {
				millis = g.now().UnixMilli() - epochMillis
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastMillis = millis

	id := (millis << timeShift) | (g.workerID << workerShift) | g.sequence
	return ID(id), nil
}
