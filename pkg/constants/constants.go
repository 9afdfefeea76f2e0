// Package constants defines magic numbers and default values used throughout go-openuri
package constants

import "time"

// Buffer limits
const (
	// StringMax is the number of bytes kept in memory before a hop buffer
	// moves its payload to a temporary file.
	StringMax       = 10 * 1024 // 10KB
	TempFilePattern = "openuri-*.tmp"
)

// Connection timeouts and limits
const (
	DefaultConnTimeout = 60 * time.Second
	DefaultReadTimeout = 60 * time.Second
	DefaultDNSTimeout  = 5 * time.Second
)

// HTTP limits
const (
	MaxHeaderBytes   = 64 * 1024
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

// FTP defaults
const (
	DefaultFTPPort    = 21
	AnonymousUser     = "anonymous"
	AnonymousPassword = "anonymous@"
	FTPChunkSize      = 4096
)

// UserAgent is sent with every HTTP request unless overridden by a header option.
const UserAgent = "go-openuri/1.0"
