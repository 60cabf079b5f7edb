package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridetastic/meshcore/core"
	"github.com/stridetastic/meshcore/internal/ingest"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/kb"
	"github.com/stridetastic/meshcore/model"
)

type decodeOutput struct {
	Packet model.Packet      `json:"packet"`
	Kind   model.PayloadKind `json:"kind"`
	Data   model.PacketData  `json:"data"`
	Links  []model.NodeLink  `json:"links,omitempty"`
}

func newDecodeCmd() *cobra.Command {
	var (
		rawPacket bool
		channel   string
		key       string
	)
	cmd := &cobra.Command{
		Use:   "decode <hex|base64>",
		Short: "Decode one ServiceEnvelope (or MeshPacket with --packet) and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeInput(args[0])
			if err != nil {
				return err
			}

			var opts []ingest.Option
			if key != "" {
				k, err := meshproto.ExpandChannelKey(key)
				if err != nil {
					return err
				}
				opts = append(opts, ingest.WithChannels(ingest.Channel{Name: channel, Key: k}))
			}
			st := kb.NewKnowledgeBase()
			pipeline := ingest.New(st, nil, core.NewLinkAggregator(st), opts...)

			frame := transport.Frame{Kind: transport.FrameEnvelope, Payload: raw, ReceivedAt: time.Now().UTC()}
			if rawPacket {
				mp, err := meshproto.UnmarshalMeshPacket(raw)
				if err != nil {
					return fmt.Errorf("parse mesh packet: %w", err)
				}
				frame = transport.Frame{Kind: transport.FramePacket, Packet: mp, ReceivedAt: frame.ReceivedAt}
			}
			iface := model.Interface{ID: 1, Name: "decode", Kind: model.TransportMQTT}
			if err := pipeline.HandleFrame(cmd.Context(), iface, 0, frame); err != nil {
				return err
			}

			pkts, err := st.ListPackets(cmd.Context(), 1)
			if err != nil || len(pkts) == 0 {
				return fmt.Errorf("no packet stored: %v", err)
			}
			data, err := st.GetPacketData(cmd.Context(), pkts[0].ID)
			if err != nil {
				return err
			}
			links, err := st.ListNodeLinks(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decodeOutput{Packet: pkts[0], Kind: data.Kind(), Data: data, Links: links})
		},
	}
	cmd.Flags().BoolVar(&rawPacket, "packet", false, "input is a bare MeshPacket rather than a ServiceEnvelope")
	cmd.Flags().StringVar(&channel, "channel", "LongFast", "channel name for --key")
	cmd.Flags().StringVar(&key, "key", "", "extra base64 channel key to try before the default key")
	return cmd
}

// decodeInput accepts hex (optionally 0x-prefixed) or standard base64.
func decodeInput(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("input is neither hex nor base64")
}
