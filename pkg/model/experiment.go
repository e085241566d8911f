package model

// Requirements 某个平台额外需要的输入/输出文件
type Requirements struct {
	InputFiles  []string `json:"input_files,omitempty" yaml:"input_files"`
	OutputFiles []string `json:"output_files,omitempty" yaml:"output_files"`
}

// AddInputFile 追加输入文件
func (r *Requirements) AddInputFile(name string) {
	r.InputFiles = append(r.InputFiles, name)
}

// AddOutputFile 追加输出文件
func (r *Requirements) AddOutputFile(name string) {
	r.OutputFiles = append(r.OutputFiles, name)
}

// AppVersionRequirements 某个可执行版本的需求
type AppVersionRequirements struct {
	Architecture Architecture `json:"architecture" yaml:"architecture"`
	Requirements `yaml:",inline"`
}

// AppVersion 针对某个架构编译的可执行版本
type AppVersion struct {
	Label        string                 `json:"label" yaml:"label"`
	ExeFile      string                 `json:"exe_file" yaml:"exe_file"`
	Requirements AppVersionRequirements `json:"requirements" yaml:"requirements"`
}

// NewAppVersion 构造函数
func NewAppVersion(label, exeFile string, arch Architecture) *AppVersion {
	return &AppVersion{
		Label:        label,
		ExeFile:      exeFile,
		Requirements: AppVersionRequirements{Architecture: arch},
	}
}

// RunTimeRequirements 实验单元的运行时需求
// TargetPlatforms 非空时，单元只能在其中列出的架构上运行
type RunTimeRequirements struct {
	NumCPUCores     CoreRequest                   `json:"num_cpu_cores" yaml:"num_cpu_cores"`
	TargetPlatforms map[Architecture]Requirements `json:"target_platforms,omitempty" yaml:"target_platforms"`
}

// NewRunTimeRequirements 构造函数，cores 为 0 表示占用全部核心
func NewRunTimeRequirements(cores int) RunTimeRequirements {
	return RunTimeRequirements{NumCPUCores: CoreRequest(cores)}
}

// AddTargetPlatformRequirement 限定可运行平台并附加该平台的文件需求
func (r *RunTimeRequirements) AddTargetPlatformRequirement(arch Architecture, req Requirements) {
	if r.TargetPlatforms == nil {
		r.TargetPlatforms = make(map[Architecture]Requirements)
	}
	r.TargetPlatforms[arch] = req
}

// CanRunOn 没有平台限制，或者 arch 在限制列表里
func (r RunTimeRequirements) CanRunOn(arch Architecture) bool {
	if len(r.TargetPlatforms) == 0 {
		return true
	}
	_, ok := r.TargetPlatforms[arch]
	return ok
}

// ExperimentalUnit 一个可调度的实验单元
type ExperimentalUnit struct {
	Name           string              `json:"name" yaml:"name"`
	ExperimentFile string              `json:"experiment_file,omitempty" yaml:"experiment_file"`
	AppVersions    []*AppVersion       `json:"app_versions" yaml:"app_versions"`
	RunTimeReqs    RunTimeRequirements `json:"run_time_requirements" yaml:"run_time_requirements"`
	OutputFiles    []string            `json:"output_files,omitempty" yaml:"output_files"`

	// 调度器选中的版本
	SelectedVersion *AppVersion `json:"selected_version,omitempty" yaml:"-"`
}

// NewExperimentalUnit 构造函数
func NewExperimentalUnit(name string, versions []*AppVersion, reqs RunTimeRequirements) *ExperimentalUnit {
	return &ExperimentalUnit{
		Name:        name,
		AppVersions: versions,
		RunTimeReqs: reqs,
	}
}
