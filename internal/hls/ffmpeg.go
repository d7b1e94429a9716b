package hls

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func isValidFFmpegLogLevel(v string) bool {
	switch strings.ToLower(v) {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	default:
		return false
	}
}

func logLevelArgs(override string) []string {
	level := "warning"
	if strings.TrimSpace(override) != "" && isValidFFmpegLogLevel(override) {
		level = override
	}
	return []string{"-loglevel", level}
}

// FFmpegStats holds advisory metrics parsed from an ffmpeg progress line.
type FFmpegStats struct {
	Speed       float64
	BitrateKBPS float64
	Time        time.Duration
	Valid       bool
}

// ParseFFmpegStats extracts speed, bitrate and position from a progress
// line such as "size= 1234kB time=00:00:12.34 bitrate= 800.0kbits/s
// speed=1.0x". Returns nil for lines that carry none of those fields.
func ParseFFmpegStats(line string) *FFmpegStats {
	if !strings.Contains(line, "time=") && !strings.Contains(line, "bitrate=") {
		return nil
	}

	extract := func(key string) string {
		idx := strings.Index(line, key)
		if idx == -1 {
			return ""
		}
		val := strings.TrimLeft(line[idx+len(key):], " ")
		if spaceIdx := strings.Index(val, " "); spaceIdx != -1 {
			val = val[:spaceIdx]
		}
		return val
	}

	stats := &FFmpegStats{}
	found := false

	if val := extract("speed="); val != "" && val != "N/A" {
		if s, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
			stats.Speed = s
			found = true
		}
	}
	if val := extract("bitrate="); val != "" && val != "N/A" {
		val = strings.TrimSuffix(val, "kbits/s")
		val = strings.TrimSuffix(val, "kb/s")
		if b, err := strconv.ParseFloat(val, 64); err == nil {
			stats.BitrateKBPS = b
			found = true
		}
	}
	if val := extract("time="); val != "" && val != "N/A" {
		if d, err := parseFFmpegTime(val); err == nil {
			stats.Time = d
			found = true
		}
	}

	if !found {
		return nil
	}
	stats.Valid = true
	return stats
}

// parseFFmpegTime parses the "HH:MM:SS.mm" position format.
func parseFFmpegTime(val string) (time.Duration, error) {
	parts := strings.Split(val, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time format")
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	mins, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration((hours*3600 + mins*60 + secs) * float64(time.Second)), nil
}
