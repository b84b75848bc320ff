// Package syslog formats log records as RFC 5424 syslog lines.
//
// Format is a pure function of a Message and FormatOptions:
//
//	<PRI>1 TIMESTAMP HOST APP - - [meta k="v" ...] BODY\n
//
// PRI is severity + facility*8. TIMESTAMP always has six fractional digits
// and an explicit UTC offset; Go's time formatting does not consult the
// process locale. HOST and APP lose all whitespace since they are
// space-delimited positional fields. Structured data keys are sorted,
// validated as SD-NAMEs and their values escaped (\, " and ]). The body
// has CR and LF replaced by spaces so a record is always one line, and a
// record larger than MaxSize is rejected with ErrFrameTooLarge rather than
// truncated mid-frame.
package syslog
