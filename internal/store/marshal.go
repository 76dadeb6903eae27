package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// propsEncMode uses Core Deterministic Encoding so equal property maps are
// stored as identical bytes.
var (
	propsEncMode cbor.EncMode
	propsDecMode cbor.DecMode
)

func init() {
	var err error
	propsEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	propsDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// marshalProperties encodes node properties for the properties column.
// Empty maps are stored as NULL.
func marshalProperties(props map[string]string) ([]byte, error) {
	if len(props) == 0 {
		return nil, nil
	}
	data, err := propsEncMode.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}
	return data, nil
}

// unmarshalProperties decodes the properties column. NULL decodes to nil.
func unmarshalProperties(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var props map[string]string
	if err := propsDecMode.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return props, nil
}
