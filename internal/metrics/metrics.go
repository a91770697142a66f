package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database
	// ============================================
	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// NATS and event fan-out
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_events_published_total",
			Help: "Domain events published, by topic and result",
		},
		[]string{"topic", "result"},
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Connected event stream clients",
	})

	// ============================================
	// Chain access
	// ============================================
	ChainRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_chain_request_duration_seconds",
			Help:    "TRON node / TronGrid request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ChainBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_chain_broadcasts_total",
			Help: "Transaction broadcasts by result (accepted, rejected, error)",
		},
		[]string{"result"},
	)

	// ============================================
	// Deposits
	// ============================================
	DepositsCredited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_deposits_credited_total",
			Help: "Deposits recorded, by asset and status",
		},
		[]string{"asset", "status"},
	)

	DepositScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_deposit_scan_duration_seconds",
		Help:    "Duration of one deposit watcher cycle",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	DepositSourceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_deposit_source_fallbacks_total",
		Help: "Cycles that fell back from the index to block scanning",
	})

	DepositWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_deposit_watermark_block",
			Help: "Last block covered by the deposit watcher",
		},
		[]string{"asset"},
	)

	// ============================================
	// Energy and sweeping
	// ============================================
	EnergyLeases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_energy_leases_total",
			Help: "Energy delegations by result (active, failed, reclaimed, no_provider)",
		},
		[]string{"result"},
	)

	SweepBudget = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_sweep_energy_budget",
		Help: "Custody energy available at the start of the last sweep",
	})

	SweepCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_sweep_collections_total",
			Help: "Per wallet collection attempts by final status",
		},
		[]string{"status"},
	)

	RetryQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_collection_retry_queue",
			Help: "Collection retry tasks by status",
		},
		[]string{"status"},
	)

	// ============================================
	// Wagers
	// ============================================
	SettlementQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_queue_depth",
		Help: "Wagers waiting for the settlement consumer",
	})

	WagersSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_wagers_total",
			Help: "Wagers by terminal or failure status",
		},
		[]string{"status"},
	)

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_wager_settle_duration_seconds",
		Help:    "Time from dequeue to settled wager",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// Withdrawals and custody
	// ============================================
	Withdrawals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_withdrawals_total",
			Help: "Withdrawal state transitions",
		},
		[]string{"status"},
	)

	CustodyBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_custody_balance",
			Help: "Custody wallet balance by asset",
		},
		[]string{"asset"},
	)

	CustodyResource = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_custody_resource",
			Help: "Custody wallet energy and bandwidth available",
		},
		[]string{"resource"},
	)
)
