package nsengine

// Pointers to unexported timing knobs, exposed only to the external
// nsengine_test package so it can shrink them for fast tests without
// creating an import cycle between nsengine and signaling.
var (
	PingIntervalVar          = &pingInterval
	RegistryTTLVar           = &registryTTL
	MonitorForL1Var          = &monitorForL1
	JoinHandshakeTimeoutVar  = &joinHandshakeTimeout
	JoinRetryDelayVar        = &joinRetryDelay
	FullCycleBackoffVar      = &fullCycleBackoff
	PeerSlotJitterMinVar     = &peerSlotJitterMin
	PeerSlotJitterMaxVar     = &peerSlotJitterMax
	PeerSlotProbeIntervalVar = &peerSlotProbeInterval
	TieBreakJitterMaxVar     = &tieBreakJitterMax
	MemberCheckinIntervalVar = &memberCheckinInterval
	PeerSlotMaxRetriesVar    = &peerSlotMaxRetries
)
