// Package gvpubsub contains the single-writer event log
// that backs every connection's reader cursor.
//
// The [Stream] type is a linked list with a single publisher
// and any number of readers.
// A reader is nothing more than a *Stream value it holds privately:
// advancing that pointer is how the reader consumes a value,
// so two readers can never consume on each other's behalf
// and no value is observed twice by the same reader.
package gvpubsub
