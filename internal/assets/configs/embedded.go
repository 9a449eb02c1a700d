// Package configassets embeds the annotated example configuration so
// installed binaries can print it without the source tree.
package configassets

import _ "embed"

// ExampleConfig is a complete annopipe.yaml with every section documented.
//
//go:embed annopipe.example.yaml
var ExampleConfig []byte
