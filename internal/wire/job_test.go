package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariantHashIsStableUnderParamOrdering(t *testing.T) {
	params1 := map[string]string{"speed": "1.0", "pitch": "0"}
	params2 := map[string]string{"pitch": "0", "speed": "1.0"}

	h1 := VariantHash("Hello world", "kokoro", "af_heart", params1)
	h2 := VariantHash("Hello world", "kokoro", "af_heart", params2)

	assert.Equal(t, h1, h2)
}

func TestVariantHashDiffersOnTextModelVoiceOrParams(t *testing.T) {
	base := VariantHash("Hello world", "kokoro", "af_heart", nil)

	assert.NotEqual(t, base, VariantHash("Goodbye world", "kokoro", "af_heart", nil))
	assert.NotEqual(t, base, VariantHash("Hello world", "other-model", "af_heart", nil))
	assert.NotEqual(t, base, VariantHash("Hello world", "kokoro", "other-voice", nil))
	assert.NotEqual(t, base, VariantHash("Hello world", "kokoro", "af_heart", map[string]string{"speed": "1.5"}))
}

func TestVariantHashIsHexSHA256(t *testing.T) {
	// VariantHash takes no codec argument (SPEC_FULL.md §D.1); the digest is
	// a hex-encoded sha256.
	h := VariantHash("Hello world", "kokoro", "af_heart", map[string]string{})
	assert.Len(t, h, 64) // sha256 hex
}

func TestResultIsEmptyAndIsError(t *testing.T) {
	errResult := Result{ErrorCode: ErrorCodeAdapterFatal}
	assert.True(t, errResult.IsError())
	assert.False(t, errResult.IsEmpty())

	emptyResult := Result{}
	assert.False(t, emptyResult.IsError())
	assert.True(t, emptyResult.IsEmpty())

	audioResult := Result{AudioB64: "abcd"}
	assert.False(t, audioResult.IsError())
	assert.False(t, audioResult.IsEmpty())
}
