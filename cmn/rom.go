// Package cmn provides common constants, types, and configuration shared by
// every Spines subsystem.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// readMostly caches config-derived time.Duration values so the event loop
// doesn't re-derive them (usec/sec -> time.Duration conversions, mostly)
// on every packet or timer tick. Assigned once at startup and again
// whenever a new Config is accepted (Set).
type readMostly struct {
	ackTimeout          time.Duration
	pingTimeout         time.Duration
	dhTimeout           time.Duration
	incarnationTimeout  time.Duration
	lossCalcTimeTrigger time.Duration
	lossPenalty         time.Duration
	minRTT              time.Duration
	defaultRTT          time.Duration

	hbhAckTimeout       time.Duration
	e2eAckTimeout       time.Duration
	statusChangeTimeout time.Duration
	gcInterval          time.Duration

	verbosity int
}

var Rom readMostly

func init() { Rom.Set(DefaultConfig()) }

func (rom *readMostly) Set(cfg *Config) {
	rom.ackTimeout = time.Duration(cfg.ITLink.ACKTimeoutUsec) * time.Microsecond
	rom.pingTimeout = time.Duration(cfg.ITLink.PingTimeoutUsec) * time.Microsecond
	rom.dhTimeout = time.Duration(cfg.ITLink.DHTimeoutUsec) * time.Microsecond
	rom.incarnationTimeout = time.Duration(cfg.ITLink.IncarnationTimeoutUsec) * time.Microsecond
	rom.lossCalcTimeTrigger = time.Duration(cfg.ITLink.LossCalcTimeTriggerUsec) * time.Microsecond
	rom.lossPenalty = time.Duration(cfg.ITLink.LossPenaltyUsec) * time.Microsecond
	rom.minRTT = time.Duration(cfg.ITLink.MinRTTMillis) * time.Millisecond
	rom.defaultRTT = time.Duration(cfg.ITLink.DefaultRTTMillis) * time.Millisecond

	rom.hbhAckTimeout = time.Duration(cfg.Reliable.HBHAckTimeoutUsec) * time.Microsecond
	rom.e2eAckTimeout = time.Duration(cfg.Reliable.E2EAckTimeoutUsec) * time.Microsecond
	rom.statusChangeTimeout = time.Duration(cfg.Reliable.StatusChangeTimeoutUsec) * time.Microsecond
	rom.gcInterval = time.Duration(cfg.Priority.GarbageCollectionSec) * time.Second
}

func (rom *readMostly) ACKTimeout() time.Duration          { return rom.ackTimeout }
func (rom *readMostly) PingTimeout() time.Duration         { return rom.pingTimeout }
func (rom *readMostly) DHTimeout() time.Duration           { return rom.dhTimeout }
func (rom *readMostly) IncarnationTimeout() time.Duration  { return rom.incarnationTimeout }
func (rom *readMostly) LossCalcTimeTrigger() time.Duration { return rom.lossCalcTimeTrigger }
func (rom *readMostly) LossPenalty() time.Duration         { return rom.lossPenalty }
func (rom *readMostly) MinRTT() time.Duration              { return rom.minRTT }
func (rom *readMostly) DefaultRTT() time.Duration          { return rom.defaultRTT }

func (rom *readMostly) HBHAckTimeout() time.Duration       { return rom.hbhAckTimeout }
func (rom *readMostly) E2EAckTimeout() time.Duration       { return rom.e2eAckTimeout }
func (rom *readMostly) StatusChangeTimeout() time.Duration { return rom.statusChangeTimeout }
func (rom *readMostly) GCInterval() time.Duration          { return rom.gcInterval }

func (rom *readMostly) SetVerbosity(v int) { rom.verbosity = v }
func (rom *readMostly) FastV(v int) bool   { return rom.verbosity >= v }
