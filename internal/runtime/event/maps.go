package event

import "github.com/ThreeDotsLabs/watermill/message"

// Properties are the string headers exchanged with transports.
type Properties map[string]string

// Variables are flow variables attached to an event.
type Variables map[string]any

func cloneMap[M ~map[string]V, V any](m M, extra int) M {
	size := len(m) + extra
	cloned := make(M, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the properties.
func (p Properties) Clone() Properties {
	return cloneMap(p, 0)
}

// With returns a copy containing key=value.
func (p Properties) With(key, value string) Properties {
	cloned := cloneMap(p, 1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing every entry of entries.
func (p Properties) WithAll(entries Properties) Properties {
	cloned := cloneMap(p, len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// NewProperties constructs properties from alternating key/value pairs.
func NewProperties(pairs ...string) Properties {
	p := make(Properties, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		p[pairs[i]] = pairs[i+1]
	}
	return p
}

// PropertiesFromWatermill copies Watermill metadata into Properties.
func PropertiesFromWatermill(md message.Metadata) Properties {
	return Properties(cloneMap(map[string]string(md), 0))
}

// ToWatermill copies the properties into Watermill metadata.
func (p Properties) ToWatermill() message.Metadata {
	return message.Metadata(cloneMap(map[string]string(p), 0))
}

// Clone returns a shallow copy of the variables.
func (v Variables) Clone() Variables {
	return cloneMap(v, 0)
}

// With returns a copy containing name=value.
func (v Variables) With(name string, value any) Variables {
	cloned := cloneMap(v, 1)
	cloned[name] = value
	return cloned
}
