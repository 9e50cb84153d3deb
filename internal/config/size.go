package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written in YAML as 2048, "64KB", "1MB" or "2GB".
type ByteSize int64

var sizeUnits = []struct {
	suffix string
	shift  uint
}{{"GB", 30}, {"MB", 20}, {"KB", 10}, {"B", 0}}

// ParseByteSize parses a size with an optional binary unit suffix.
func ParseByteSize(s string) (ByteSize, error) {
	num := strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(num, u.suffix) {
			num, shift = strings.TrimSpace(strings.TrimSuffix(num, u.suffix)), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s)
	}
	if n > (1<<63-1)>>shift {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return ByteSize(n << shift), nil
}

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseByteSize(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = v
	return nil
}

// Or returns b, or def when b is unset.
func (b ByteSize) Or(def int64) int64 {
	if b <= 0 {
		return def
	}
	return int64(b)
}
