// Package cli provides the filevault upload command.
//
// App streams one local file to the server over gRPC and prints progress
// as it goes, then the id the server assigned to the file.
package cli
