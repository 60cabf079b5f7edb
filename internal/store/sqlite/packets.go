package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/model"
)

// SavePacket writes the envelope, its data row, any shared routes and
// neighbor rows in one transaction.
func (s *Store) SavePacket(ctx context.Context, pkt *model.Packet, data *model.PacketData) error {
	if pkt == nil || data == nil {
		return errors.New("sqlite: nil packet or data")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO packets (interface_id, from_num, to_num, mesh_packet_id, channel, channel_index, gateway_id, topic,
			   hop_limit, hop_start, want_ack, via_mqtt, pki_encrypted, encrypted, rx_snr, rx_rssi, rx_time, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullID(pkt.InterfaceID), int64(pkt.From), int64(pkt.To), pkt.PacketID, pkt.Channel, pkt.ChannelIndex,
			pkt.GatewayID, pkt.Topic, pkt.HopLimit, pkt.HopStart, pkt.WantAck, pkt.ViaMQTT, pkt.PKIEncrypted,
			pkt.Encrypted, float64(pkt.RxSNR), pkt.RxRSSI, toNullNanos(pkt.RxTime), toNanos(pkt.ReceivedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert packet: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		payload := data.Payload
		switch p := payload.(type) {
		case model.RouteDiscoveryPayload:
			if p.RouteTowards.ID, err = upsertRoute(ctx, tx, p.RouteTowards); err != nil {
				return err
			}
			if p.RouteBack != nil {
				back := *p.RouteBack
				if back.ID, err = upsertRoute(ctx, tx, back); err != nil {
					return err
				}
				p.RouteBack = &back
			}
			payload = p
		case model.NeighborInfoPayload:
			for _, n := range p.Neighbors {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO neighbors (packet_id, reporting_node, node, snr, last_rx_time, broadcast_interval_secs)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					id, int64(p.ReportingNode), int64(n.Node), float64(n.SNR), toNullNanos(n.LastRxTime), n.BroadcastIntervalSecs,
				)
				if err != nil {
					return fmt.Errorf("sqlite: insert neighbor: %w", err)
				}
			}
		}

		kind, body, err := encodePayload(payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO packet_data (packet_id, port, port_name, raw_payload, want_response, request_id, reply_id, source, dest, kind, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, int64(data.Port), data.Port.String(), data.RawPayload, data.WantResponse, data.RequestID, data.ReplyID,
			int64(data.Source), int64(data.Dest), string(kind), body,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert packet data: %w", err)
		}

		pkt.ID = id
		data.PacketID = id
		data.Payload = payload
		return nil
	})
}

func upsertRoute(ctx context.Context, tx *sql.Tx, r model.Route) (int64, error) {
	nodes, err := json.Marshal(r.Nodes)
	if err != nil {
		return 0, fmt.Errorf("sqlite: encode route: %w", err)
	}
	key := r.Key()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO routes (route_key, nodes, hops) VALUES (?, ?, ?) ON CONFLICT(route_key) DO NOTHING`,
		key, string(nodes), r.Hops,
	); err != nil {
		return 0, fmt.Errorf("sqlite: insert route: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM routes WHERE route_key = ?`, key).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: read route id: %w", err)
	}
	return id, nil
}

const packetColumns = `id, interface_id, from_num, to_num, mesh_packet_id, channel, channel_index, gateway_id, topic,
	hop_limit, hop_start, want_ack, via_mqtt, pki_encrypted, encrypted, rx_snr, rx_rssi, rx_time, received_at`

func scanPacket(row interface{ Scan(...any) error }) (model.Packet, error) {
	var (
		p          model.Packet
		iface      sql.NullInt64
		from, to   int64
		snr        float64
		rxTime     sql.NullInt64
		receivedAt int64
	)
	if err := row.Scan(&p.ID, &iface, &from, &to, &p.PacketID, &p.Channel, &p.ChannelIndex, &p.GatewayID, &p.Topic,
		&p.HopLimit, &p.HopStart, &p.WantAck, &p.ViaMQTT, &p.PKIEncrypted, &p.Encrypted, &snr, &p.RxRSSI, &rxTime, &receivedAt); err != nil {
		return model.Packet{}, err
	}
	p.InterfaceID = iface.Int64
	p.From, p.To = model.NodeNum(from), model.NodeNum(to)
	p.RxSNR = float32(snr)
	p.RxTime = fromNullNanos(rxTime)
	p.ReceivedAt = fromNanos(receivedAt)
	return p, nil
}

func (s *Store) ListPackets(ctx context.Context, limit int) ([]model.Packet, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+packetColumns+` FROM packets ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list packets: %w", err)
	}
	defer rows.Close()

	var out []model.Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPacketData(ctx context.Context, packetID int64) (model.PacketData, error) {
	var (
		d            model.PacketData
		port         int64
		source, dest int64
		kind         string
		body         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT packet_id, port, raw_payload, want_response, request_id, reply_id, source, dest, kind, payload
		 FROM packet_data WHERE packet_id = ?`, packetID,
	).Scan(&d.PacketID, &port, &d.RawPayload, &d.WantResponse, &d.RequestID, &d.ReplyID, &source, &dest, &kind, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PacketData{}, fmt.Errorf("packet %d: %w", packetID, store.ErrNotFound)
	}
	if err != nil {
		return model.PacketData{}, fmt.Errorf("sqlite: read packet data %d: %w", packetID, err)
	}
	d.Port = model.PortNum(port)
	d.Source, d.Dest = model.NodeNum(source), model.NodeNum(dest)
	if d.Payload, err = decodePayload(model.PayloadKind(kind), body); err != nil {
		return model.PacketData{}, err
	}
	return d, nil
}

// RouteCount reports how many distinct routes are stored.
func (s *Store) RouteCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count routes: %w", err)
	}
	return n, nil
}

func encodePayload(p model.Payload) (model.PayloadKind, sql.NullString, error) {
	if p == nil {
		return model.KindUnrecognized, sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("sqlite: encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), sql.NullString{String: string(b), Valid: true}, nil
}

func decodePayload(kind model.PayloadKind, body sql.NullString) (model.Payload, error) {
	if !body.Valid {
		return nil, nil
	}
	var (
		p   model.Payload
		err error
	)
	switch kind {
	case model.KindText:
		p, err = unmarshalAs[model.TextPayload](body.String)
	case model.KindPosition:
		p, err = unmarshalAs[model.PositionPayload](body.String)
	case model.KindTelemetry:
		p, err = unmarshalAs[model.TelemetryPayload](body.String)
	case model.KindNodeInfo:
		p, err = unmarshalAs[model.NodeInfoPayload](body.String)
	case model.KindNeighborInfo:
		p, err = unmarshalAs[model.NeighborInfoPayload](body.String)
	case model.KindRouteDiscovery:
		p, err = unmarshalAs[model.RouteDiscoveryPayload](body.String)
	case model.KindRouting:
		p, err = unmarshalAs[model.RoutingPayload](body.String)
	case model.KindUnrecognized:
		p, err = unmarshalAs[model.Unrecognized](body.String)
	default:
		return nil, fmt.Errorf("sqlite: unknown payload kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode %s payload: %w", kind, err)
	}
	return p, nil
}

func unmarshalAs[T model.Payload](s string) (model.Payload, error) {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
