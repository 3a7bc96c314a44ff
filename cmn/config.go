// Package cmn provides common constants, types, and configuration shared by
// every Spines subsystem.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"crypto/sha256"

	jsoniter "github.com/json-iterator/go"
)

// ITLinkConfig mirrors CONF_IT_LINK (spec.md §6, "IT-Link" row) field for
// field: every one of these is carried bit-exact in the signed
// configuration hash so two daemons refuse to pair unless identical.
type ITLinkConfig struct {
	Crypto                  bool    `json:"crypto"`
	Encrypt                 bool    `json:"encrypt"`
	OrderedDelivery         bool    `json:"ordered_delivery"`
	ReintroduceMessages     bool    `json:"reintroduce_messages"`
	TCPFairness             bool    `json:"tcp_fairness"`
	SessionBlocking         bool    `json:"session_blocking"`
	MsgPerSAA               uint8   `json:"msg_per_saa"`
	SendBatchSize           uint8   `json:"send_batch_size"`
	IntrusionToleranceMode  uint8   `json:"intrusion_tolerance_mode"`
	ReliableTimeoutFactor   uint32  `json:"reliable_timeout_factor"`
	NACKTimeoutFactor       uint32  `json:"nack_timeout_factor"`
	ACKTimeoutUsec          uint32  `json:"ack_timeout_usec"`
	PingTimeoutUsec         uint32  `json:"ping_timeout_usec"`
	DHTimeoutUsec           uint32  `json:"dh_timeout_usec"`
	IncarnationTimeoutUsec  uint32  `json:"incarnation_timeout_usec"`
	MinRTTMillis            uint32  `json:"min_rtt_millis"`
	DefaultRTTMillis         uint32  `json:"default_rtt_millis"`
	InitNACKTimeoutFactor   float64 `json:"init_nack_timeout_factor"`
	LossThreshold           float64 `json:"loss_threshold"`
	LossCalcDecay           float64 `json:"loss_calc_decay"`
	LossCalcTimeTriggerUsec uint32  `json:"loss_calc_time_trigger_usec"`
	LossCalcPktTrigger      uint32  `json:"loss_calc_pkt_trigger"`
	LossPenaltyUsec         uint32  `json:"loss_penalty_usec"`
	PingThreshold           uint32  `json:"ping_threshold"`
}

// PrioFloodConfig mirrors CONF_PRIO.
type PrioFloodConfig struct {
	Crypto               bool   `json:"crypto"`
	DefaultPriority      uint8  `json:"default_priority"`
	MaxMessStored        uint32 `json:"max_mess_stored"`
	MinBellySize         uint32 `json:"min_belly_size"`
	DefaultExpireSec     uint32 `json:"default_expire_sec"`
	DefaultExpireUsec    uint32 `json:"default_expire_usec"`
	GarbageCollectionSec uint32 `json:"garbage_collection_sec"`
}

// ReliableFloodConfig mirrors CONF_REL.
type ReliableFloodConfig struct {
	HBHAckTimeoutUsec    uint32 `json:"hbh_ack_timeout_usec"`
	E2EAckTimeoutUsec    uint32 `json:"e2e_ack_timeout_usec"`
	StatusChangeTimeoutUsec uint32 `json:"status_change_timeout_usec"`
	Crypto               bool   `json:"crypto"`
	SAAThreshold         uint8  `json:"saa_threshold"`
	HBHAdvance           bool   `json:"hbh_advance"`
	HBHOpt               bool   `json:"hbh_opt"`
	E2EOpt               bool   `json:"e2e_opt"`
}

// Config is the full, signed configuration surface named by spec.md §6.
type Config struct {
	ITLink   ITLinkConfig        `json:"it_link"`
	Priority PrioFloodConfig     `json:"priority"`
	Reliable ReliableFloodConfig `json:"reliable"`
	// ReferenceCost is used by Status-Change validation (§4.3.7): any
	// non-down cost must be >= this baseline.
	ReferenceCost int32 `json:"reference_cost"`
	// KPaths is the number of disjoint paths stamped into a message's
	// k-path bitmask at injection/restamp time (§4.2, §4.3.6).
	KPaths int `json:"k_paths"`
}

// DefaultConfig mirrors the constants from intrusion_tol_udp.h,
// priority_flood.h and reliable_flood.h.
func DefaultConfig() *Config {
	return &Config{
		ITLink: ITLinkConfig{
			Crypto:                  false,
			Encrypt:                 false,
			OrderedDelivery:         true,
			ReintroduceMessages:     false,
			TCPFairness:             true,
			SessionBlocking:         false,
			MsgPerSAA:               10,
			SendBatchSize:           15,
			IntrusionToleranceMode:  0,
			ReliableTimeoutFactor:   10,
			NACKTimeoutFactor:       2,
			ACKTimeoutUsec:          10_000,
			PingTimeoutUsec:         200_000,
			DHTimeoutUsec:           999_999,
			IncarnationTimeoutUsec:  999_999,
			MinRTTMillis:            2,
			DefaultRTTMillis:        10,
			InitNACKTimeoutFactor:   0.25,
			LossThreshold:           0.02,
			LossCalcDecay:           0.8,
			LossCalcTimeTriggerUsec: 10_000_000,
			LossCalcPktTrigger:      1000,
			LossPenaltyUsec:         10_000,
			PingThreshold:           10,
		},
		Priority: PrioFloodConfig{
			Crypto:               false,
			DefaultPriority:      1,
			MaxMessStored:        500,
			MinBellySize:         1_000_000,
			DefaultExpireSec:     600,
			DefaultExpireUsec:    0,
			GarbageCollectionSec: 60,
		},
		Reliable: ReliableFloodConfig{
			HBHAckTimeoutUsec:       100_000,
			E2EAckTimeoutUsec:       150_000,
			StatusChangeTimeoutUsec: 150_000,
			Crypto:                  false,
			SAAThreshold:            10,
			HBHAdvance:              false,
			HBHOpt:                  true,
			E2EOpt:                  true,
		},
		ReferenceCost: 1,
		KPaths:        2,
	}
}

// ConfigHash returns the SHA-256 of the config's canonical JSON encoding.
// Two daemons refuse to establish a link (§4.1.7, §6) unless this hash
// matches bit-exact.
func (c *Config) ConfigHash() [32]byte {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(c)
	if err != nil {
		// Config is a plain value type with no cyclic references or
		// unsupported field types; a marshal failure here means the
		// struct itself is malformed, which is a programmer error.
		panic("cmn: config is not marshalable: " + err.Error())
	}
	return sha256.Sum256(b)
}
