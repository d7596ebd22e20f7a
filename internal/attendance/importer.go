package attendance

import (
	"regexp"
	"strings"
	"time"

	"timeclock/internal/device"
)

var (
	pinPattern      = regexp.MustCompile(`(?i)\b(?:PIN|USERID)\s*=\s*(\d{1,18})`)
	workCodePattern = regexp.MustCompile(`(?i)\bWorkCode\s*=\s*(\w{1,32})`)
	leadingIDRe     = regexp.MustCompile(`^(\d{1,18})\D`)
	yearFirstRe     = regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}[ T]\d{2}:\d{2}(?::\d{2})?`)
	dayFirstRe      = regexp.MustCompile(`\d{2}[-/]\d{2}[-/]\d{4}[ T]\d{2}:\d{2}(?::\d{2})?`)
	tokenSplitRe    = regexp.MustCompile(`[;,\t]+`)
)

// isoLocalLayouts are ISO-8601 shapes without an offset, read in the import zone.
var isoLocalLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// exportLayouts are the device export formats tried after ISO, in order.
var exportLayouts = []string{
	"2006-01-02 15:04:05", "2006-01-02 15:04",
	"02/01/2006 15:04:05", "02/01/2006 15:04",
	"2006/01/02 15:04:05", "2006/01/02 15:04",
	"02-01-2006 15:04:05", "02-01-2006 15:04",
}

// ParseTimestamp reads a timestamp in any supported shape, interpreting
// offset-less values in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), true
	}
	for _, layout := range isoLocalLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	spaced := strings.Replace(s, "T", " ", 1)
	for _, layout := range exportLayouts {
		if t, err := time.ParseInLocation(layout, spaced, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseLine extracts a punch from one line of a device attendance export.
// It reports false when no timestamp can be found.
func ParseLine(line string, loc *time.Location) (device.Punch, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return device.Punch{}, false
	}

	var (
		ts    time.Time
		found bool
	)
	m := yearFirstRe.FindString(l)
	if m == "" {
		m = dayFirstRe.FindString(l)
	}
	if m != "" {
		ts, found = ParseTimestamp(m, loc)
	}
	if !found {
		for _, tok := range tokenSplitRe.Split(l, -1) {
			if ts, found = ParseTimestamp(tok, loc); found {
				break
			}
		}
	}
	if !found {
		return device.Punch{}, false
	}

	p := device.Punch{Timestamp: ts.Format(device.TimestampLayout)}
	if sm := pinPattern.FindStringSubmatch(l); sm != nil {
		p.DeviceUserID = sm[1]
	} else if sm := leadingIDRe.FindStringSubmatch(l); sm != nil {
		p.DeviceUserID = sm[1]
	}
	if sm := workCodePattern.FindStringSubmatch(l); sm != nil {
		p.WorkCode = sm[1]
	}
	return p, true
}
