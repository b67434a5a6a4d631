package main

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.radionode/internal/bridge"
	"dev.c0redev.radionode/internal/proto"
)

func TestLoopbackTurnsTxIntoRx(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	c := bridge.NewClientFromConn(local, bridge.ClientOpts{})

	frame, err := proto.EncodeRF(&proto.RFFrame{Seq: 9, Topic: "personal:bob", Codec: "raw", Payload: []byte("hey")})
	require.NoError(t, err)

	go handle(c, proto.NewTx(frame), true, zerolog.Nop())

	f, err := proto.DecodeFrame(remote, nil)
	require.NoError(t, err)
	require.Equal(t, proto.TypeData, f.Type)
	m, err := proto.UnmarshalBridge(f.Payload)
	require.NoError(t, err)
	require.Equal(t, proto.MsgRx, m.Type)
	require.Equal(t, "personal:bob", m.Topic)
	require.NotNil(t, m.Seq)
	require.EqualValues(t, 9, *m.Seq)
	b, err := m.Bytes()
	require.NoError(t, err)
	require.Equal(t, "hey", string(b))
}
