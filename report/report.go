package report

type Measurement[T any] struct {
	Time  int64
	Value T
}

type DeviceMeasurement[T any] struct {
	DeviceName  string
	Measurement Measurement[T]
}

// Host measurements sampled while the pipeline stages ran.
type SystemMeasurements struct {
	CpuUsageUser   []Measurement[float64]
	CpuUsageSystem []Measurement[float64]
	CpuUsageIdle   []Measurement[float64]
	CpuUsageIowait []Measurement[float64]
	CpuUsageSteal  []Measurement[float64]

	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]
	SwapUsedBytes []Measurement[int]

	DiskReadBytes  []DeviceMeasurement[int]
	DiskWriteBytes []DeviceMeasurement[int]
	DiskIOTimeMs   []DeviceMeasurement[int]

	NetBytesSent []DeviceMeasurement[int]
	NetBytesRecv []DeviceMeasurement[int]
}

type IterationReport struct {
	Index              int
	Status             string
	Error              string // non-empty iff the iteration failed
	WorkDir            string
	ResultLogPath      string
	ReusedScripts      bool
	WallTimeSec        float64
	StageTimesSec      map[string]float64
	ProfilingResult    string `json:",omitempty"`
	SystemMeasurements *SystemMeasurements
}

type DataSetReport struct {
	Name         string
	Stage        string
	SkipDownload bool
	ScriptSource string
	DataPath     string
	Iterations   []*IterationReport
	Summary      *Summary
	SummaryError string `json:",omitempty"`
}
