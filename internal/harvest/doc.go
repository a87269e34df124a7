// Package harvest defines the types, adapter boundaries and error taxonomy shared
// by the harvesting engine: work items, progress records, artifacts, job reports
// and the Source/Extractor/Sink capabilities the controller drives.
package harvest
