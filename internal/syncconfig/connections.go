package syncconfig

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConnectionConfig is one line of the connection file:
// a database a branch is read from, or the single consolidated
// target. Immutable once parsed; loaded once per process lifetime.
type ConnectionConfig struct {
	Server   string
	Port     int
	Database string
	Username string
	Password string
	IsTarget bool
}

// ParseConnections reads the flat connection-file grammar from
// one record per non-blank, non-'#' line, comma-separated,
// either 5 fields (port defaults to 1433) or 6 fields (explicit port).
// target_flag is case-insensitive; "yes" marks the single consolidated
// target. Malformed lines are skipped with a warning rather than
// aborting the whole file, since operators edit this file by hand.
func ParseConnections(r io.Reader) ([]ConnectionConfig, error) {
	scanner := bufio.NewScanner(r)
	var out []ConnectionConfig
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		cfg, ok := parseConnectionFields(fields)
		if !ok {
			log.Warnf("connection file line %d: malformed entry, skipping: %q", lineNo, line)
			continue
		}
		out = append(out, cfg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseConnectionFields(fields []string) (ConnectionConfig, bool) {
	switch len(fields) {
	case 5:
		return ConnectionConfig{
			Server:   fields[0],
			Port:     DefaultPort,
			Database: fields[1],
			Username: fields[2],
			Password: fields[3],
			IsTarget: strings.EqualFold(fields[4], "yes"),
		}, true
	case 6:
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 0 {
			return ConnectionConfig{}, false
		}
		return ConnectionConfig{
			Server:   fields[0],
			Port:     port,
			Database: fields[2],
			Username: fields[3],
			Password: fields[4],
			IsTarget: strings.EqualFold(fields[5], "yes"),
		}, true
	default:
		return ConnectionConfig{}, false
	}
}

// Partition splits a parsed connection list into the single target
// connection and the list of source branches. It returns ok=false if
// there is not exactly one target.
func Partition(all []ConnectionConfig) (target ConnectionConfig, sources []ConnectionConfig, ok bool) {
	var targets []ConnectionConfig
	for _, c := range all {
		if c.IsTarget {
			targets = append(targets, c)
		} else {
			sources = append(sources, c)
		}
	}
	if len(targets) != 1 {
		return ConnectionConfig{}, nil, false
	}
	return targets[0], sources, true
}
