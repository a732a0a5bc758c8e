// Package all registers every objectstore backend.
//
// Import it for its side effects to let objectstore.New open any
// supported root URL:
//
//	import _ "github.com/grokify/objectstore/backend/all"
package all

import (
	// Register all backends
	_ "github.com/grokify/objectstore/backend/azure"
	_ "github.com/grokify/objectstore/backend/gcs"
	_ "github.com/grokify/objectstore/backend/local"
	_ "github.com/grokify/objectstore/backend/memory"
	_ "github.com/grokify/objectstore/backend/s3"
)
