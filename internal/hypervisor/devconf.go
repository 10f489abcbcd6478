package hypervisor

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// ParseDevConfig parses developer configuration text into switches. Each
// non-empty line not starting with '#' is "key=value", "key value" or a bare
// "key". Values may be shell-quoted.
func ParseDevConfig(data string) (Args, error) {
	var args Args
	sc := bufio.NewScanner(strings.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words, err := shellwords.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if len(words) == 0 {
			continue
		}
		key, value, found := strings.Cut(words[0], "=")
		if !found {
			value = strings.Join(words[1:], " ")
		} else if len(words) > 1 {
			value = strings.Join(append([]string{value}, words[1:]...), " ")
		}
		args = append(args, Arg{Key: key, Value: value})
	}
	return args, sc.Err()
}

// LoadDevConfig reads and parses the developer configuration at path. A
// missing file yields no switches.
func LoadDevConfig(path string) (Args, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read developer configuration: %w", err)
	}
	args, err := ParseDevConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse developer configuration %s: %w", path, err)
	}
	return args, nil
}
