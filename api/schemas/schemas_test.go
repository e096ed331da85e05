package schemas_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

// TestStructJSONTags pins the json tags of the types that end up in snapshots.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "Identification",
			structRef: schemas.Identification{},
			expectedTags: map[string]string{
				"How":   "how",
				"Value": "value",
			},
		},
		{
			name:      "Element",
			structRef: schemas.Element{},
			expectedTags: map[string]string{
				"Tag":        "tag",
				"Text":       "text,omitempty",
				"Attributes": "attributes,omitempty",
				"XPath":      "xpath",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			typ := reflect.TypeOf(tc.structRef)
			assert.Equal(t, len(tc.expectedTags), typ.NumField(), "unexpected number of fields")
			for field, tag := range tc.expectedTags {
				f, ok := typ.FieldByName(field)
				require.True(t, ok, "field %s not found", field)
				assert.Equal(t, tag, f.Tag.Get("json"), "json tag of %s", field)
			}
		})
	}
}

func TestParseEventKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    schemas.EventKind
		wantErr bool
	}{
		{"click", schemas.EventClick, false},
		{" Submit ", schemas.EventSubmit, false},
		{"MOUSEOVER", schemas.EventMouseOver, false},
		{"dblclick", schemas.EventDblClick, false},
		{"change", schemas.EventChange, false},
		{"keypress", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := schemas.ParseEventKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestIdentificationKind_Valid(t *testing.T) {
	t.Parallel()
	for _, k := range []schemas.IdentificationKind{
		schemas.IdentifyByXPath, schemas.IdentifyByID, schemas.IdentifyByTag, schemas.IdentifyByCSS, schemas.IdentifyByName,
	} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, schemas.IdentificationKind("link_text").Valid())
	assert.Equal(t, "xpath /html/body/button[1]", schemas.Identification{How: schemas.IdentifyByXPath, Value: "/html/body/button[1]"}.String())
}

func TestExitStatus_Successful(t *testing.T) {
	t.Parallel()
	assert.True(t, schemas.ExitExhausted.Successful())
	assert.True(t, schemas.ExitMaxStates.Successful())
	assert.True(t, schemas.ExitMaxTime.Successful())
	assert.False(t, schemas.ExitStoppedExternal.Successful())
	assert.False(t, schemas.ExitAllWorkersLost.Successful())
}
