package caps

import "strings"

// Manifest is the parsed Info.conf of an .app bundle. The file is
// newline-separated key=value pairs.
type Manifest struct {
	Name string
	ID   string

	// Capabilities declared by the bundle. A bundle without a
	// capabilities= line gets the CLI default set.
	Capabilities Set

	declared bool
}

// ParseManifest reads an Info.conf body. Unknown keys are ignored.
func ParseManifest(text string) Manifest {
	m := Manifest{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "name":
			m.Name = val
		case "id":
			m.ID = val
		case "capabilities":
			m.Capabilities = Parse(val)
			m.declared = true
		}
	}

	if !m.declared {
		m.Capabilities = Default
	}

	return m
}

// NeedsConsent returns the sensitive capabilities in the manifest that are
// not already covered by stored grants. First launch surfaces these to the
// parent as a PERM_NEEDED condition.
func (m Manifest) NeedsConsent(stored Set) Set {
	return (m.Capabilities & Sensitive) &^ stored
}
