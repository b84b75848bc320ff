package syslog

import (
	"fmt"
	"strings"
)

// Severity is the RFC 5424 severity level (0 = emergency .. 7 = debug).
type Severity int

const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

var severityNames = [...]string{
	"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug",
}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the eight defined levels.
func (s Severity) Valid() bool { return s >= SeverityEmergency && s <= SeverityDebug }

// ParseSeverity accepts the level names above (case-insensitive) plus the
// common aliases "emerg", "crit", "err", "warn".
func ParseSeverity(name string) (Severity, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "emerg":
		return SeverityEmergency, nil
	case "crit":
		return SeverityCritical, nil
	case "err":
		return SeverityError, nil
	case "warn":
		return SeverityWarning, nil
	default:
		for i, s := range severityNames {
			if s == n {
				return Severity(i), nil
			}
		}
	}
	return 0, fmt.Errorf("syslog: unknown severity %q", name)
}

// Facility is the RFC 5424 facility code (0 = kernel .. 23 = local7).
type Facility int

const (
	FacilityKernel Facility = iota
	FacilityUser
	FacilityMail
	FacilityDaemon
	FacilityAuth
	FacilitySyslog
	FacilityLPR
	FacilityNews
	FacilityUUCP
	FacilityClock
	FacilityAuthPriv
	FacilityFTP
	FacilityNTP
	FacilityAudit
	FacilityAlert
	FacilityCron
	FacilityLocal0
	FacilityLocal1
	FacilityLocal2
	FacilityLocal3
	FacilityLocal4
	FacilityLocal5
	FacilityLocal6
	FacilityLocal7
)

var facilityNames = [...]string{
	"kernel", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "clock", "authpriv", "ftp", "ntp", "audit", "alert", "cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

func (f Facility) String() string {
	if f < 0 || int(f) >= len(facilityNames) {
		return fmt.Sprintf("facility(%d)", int(f))
	}
	return facilityNames[f]
}

// Valid reports whether f is a defined facility code.
func (f Facility) Valid() bool { return f >= FacilityKernel && f <= FacilityLocal7 }

// ParseFacility parses a facility name. The empty string means user.
func ParseFacility(name string) (Facility, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return FacilityUser, nil
	}
	for i, f := range facilityNames {
		if f == n {
			return Facility(i), nil
		}
	}
	return 0, fmt.Errorf("syslog: unknown facility %q", name)
}

// Priority combines facility and severity into the PRI value.
func Priority(f Facility, s Severity) int {
	return int(s) + int(f)*8
}
