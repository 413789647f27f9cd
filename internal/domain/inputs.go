package domain

import "time"

// HTTPFieldLimit bounds the number of header fields BackendInputs and
// BackendResponseExtra may each carry (§4.4 step 5, §4.4 step 9).
const HTTPFieldLimit = 64

// MaxBufferedBody caps a buffered POST body (§4.4 step 4).
const MaxBufferedBody = 512 << 20

// HeaderField is one guest-visible request header.
type HeaderField struct {
	Name  string
	Value string
}

// BackendInputs is the guest-visible request the dispatcher assembles
// before entering the VM: method/URL/argument/content-type/body plus a
// header array capped at HTTPFieldLimit. Warmup distinguishes synthetic
// requests issued during boot from live traffic.
type BackendInputs struct {
	Method      string
	URL         string
	Argument    string
	ContentType string
	Body        []byte
	Headers     []HeaderField
	Warmup      bool
}

// Deadlines holds the §6 named timeouts; defaults match spec exactly.
type Deadlines struct {
	Startup            time.Duration
	Request            time.Duration
	Storage            time.Duration
	ErrorHandler       time.Duration
	StreamHandler      time.Duration
	StorageCleanup     time.Duration
	StorageDeserialize time.Duration
	AsyncStorage       time.Duration
	ReservationQueue   time.Duration
}

func DefaultDeadlines() Deadlines {
	return Deadlines{
		Startup:            16 * time.Second,
		Request:            8 * time.Second,
		Storage:            10 * time.Second,
		ErrorHandler:       1 * time.Second,
		StreamHandler:      2 * time.Second,
		StorageCleanup:     1 * time.Second,
		StorageDeserialize: 2 * time.Second,
		AsyncStorage:       15 * time.Second,
		ReservationQueue:   60 * time.Second,
	}
}

// StorageTaskMaxTimers bounds the number of scheduled async storage
// tasks a Program Instance's timer wheel may hold at once.
const StorageTaskMaxTimers = 256
