// Package analysis implements the Analysis Provider over HTTP.
//
// The chart analysis itself (snapshot capture, prompting, model choice) runs in a
// separate service; this package only asks it for a signal and validates the answer.
package analysis
