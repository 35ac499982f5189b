package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeSetupCollectsPatch(t *testing.T) {
	raw := []byte(`{"type":"setup","configure":"enrollment","v":2,
		"channel_id":"vehicles","ca":{"url":"https://ca:7054"},"build_marble_owners":["amy"]}`)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, TypeSetup, env.Type)
	require.Equal(t, ConfigureEnrollment, env.Configure)
	require.Equal(t, []string{"amy"}, env.BuildOwners)

	require.Len(t, env.Patch, 2)
	require.Equal(t, "vehicles", env.Patch["channel_id"])
	require.Contains(t, env.Patch, "ca")
	require.NotContains(t, env.Patch, "v")
	require.NotContains(t, env.Patch, "build_marble_owners")
}

func TestDecodeEnvelopeDomainCommand(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"createPart","part":{"partId":"P1","productCode":"BRK","dateOfManufacture":"2017-01-02"}}`))
	require.NoError(t, err)
	require.Equal(t, TypeCreatePart, env.Type)
	require.NotNil(t, env.Part)
	require.Equal(t, "P1", env.Part.PartID)
	require.Nil(t, env.Patch)
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"vehicleId":"V1"}`))
	require.Error(t, err)
}

func TestOutboundCarriesDiscriminator(t *testing.T) {
	msgs := []Outbound{
		NewTxStep(TxCommitting),
		NewReset(),
		NewChainStats(7, &BlockStats{Height: 6}),
		&TxResult{Msg: "vehicleCreated", ChassisNumber: "CH-1"},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		require.NoError(t, err)

		var flat map[string]any
		require.NoError(t, json.Unmarshal(b, &flat))
		require.Equal(t, m.Kind(), flat["msg"])
	}
}
