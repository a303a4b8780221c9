package persona

import _ "embed"

// defaultPersonaYAML ships a working persona so a fresh install can talk
// before the operator writes their own profile.
//
//go:embed default.yaml
var defaultPersonaYAML []byte
