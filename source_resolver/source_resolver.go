package sourceresolver

import (
	"github.com/Octogonapus/PipelineBenchmark/catalog"
	"github.com/Octogonapus/PipelineBenchmark/environment"
	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
)

// Where one data set's data and scripts come from on this machine.
type Resolution struct {
	DataPath        string
	CalScriptSource string
	ImScriptSource  string
}

// Resolves the data and script locations of a data set. The result depends only on its inputs, so it is computed
// once per data set and shared by all of its iterations.
func Resolve(cat catalog.Catalog, p environment.Profile, spec jobtable.RunSpec) (Resolution, error) {
	localBranch := catalog.PrivilegedStorage
	if p.UsesLocalCache() {
		localBranch = catalog.LocalCache
	}

	dataBranch := catalog.Remote
	if spec.SkipDownload {
		dataBranch = localBranch
	}
	dataSources, err := cat.Lookup(spec.DataSetName, dataBranch)
	if err != nil {
		return Resolution{}, err
	}

	scriptBranch := catalog.Remote
	if spec.ScriptSource == jobtable.LocalScripts {
		scriptBranch = localBranch
	}
	scriptSources, err := cat.Lookup(spec.DataSetName, scriptBranch)
	if err != nil {
		return Resolution{}, err
	}

	var dataPath string
	switch spec.Stage {
	case jobtable.Calibration, jobtable.Both:
		dataPath = dataSources.UncalibratedData
	case jobtable.Imaging:
		dataPath = dataSources.CalibratedData
	}

	return Resolution{
		DataPath:        dataPath,
		CalScriptSource: scriptSources.CalibrationScript,
		ImScriptSource:  scriptSources.ImagingScript,
	}, nil
}
