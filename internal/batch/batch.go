// Package batch 读取 YAML 实验批次文件，生成待调度的实验单元
//
//	versions:
//	  - label: linux
//	    exe_file: bin/RLSimion-linux
//	    requirements: {architecture: Linux-64}
//	units:
//	  - name: exp-1
//	    experiment_file: experiments/exp-1.simion.exp
//	    run_time_requirements: {num_cpu_cores: 1}
//	    output_files: [experiments/exp-1.log]
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"herd/pkg/model"

	"gopkg.in/yaml.v3"
)

// Batch 批次文件的结构
// 单元没有写 app_versions 时使用批次级的 versions
type Batch struct {
	Versions []*model.AppVersion       `yaml:"versions"`
	Units    []*model.ExperimentalUnit `yaml:"units"`
}

// Load 读取并校验批次文件
func Load(file string) ([]*model.ExperimentalUnit, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	units, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", file, err)
	}
	return units, nil
}

// Parse 解析批次内容，未知字段视为错误
func Parse(data []byte) ([]*model.ExperimentalUnit, error) {
	var b Batch
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse batch: %w", err)
	}

	for _, u := range b.Units {
		if u != nil && len(u.AppVersions) == 0 {
			u.AppVersions = b.Versions
		}
	}
	if err := Validate(b.Units); err != nil {
		return nil, err
	}
	return b.Units, nil
}

// Validate 检查单元名唯一、每个单元至少有一个版本、文件名都是相对路径
func Validate(units []*model.ExperimentalUnit) error {
	var errs []error
	seen := make(map[string]bool, len(units))

	for i, u := range units {
		if u == nil {
			errs = append(errs, fmt.Errorf("unit #%d is empty", i))
			continue
		}
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("unit #%d has no name", i))
		} else if seen[u.Name] {
			errs = append(errs, fmt.Errorf("duplicate unit name %q", u.Name))
		}
		seen[u.Name] = true

		if strings.ContainsAny(u.Name, " \t\r\n") {
			errs = append(errs, fmt.Errorf("unit %q: name must not contain spaces", u.Name))
		}
		if u.RunTimeReqs.NumCPUCores < 0 {
			errs = append(errs, fmt.Errorf("unit %q: negative core count", u.Name))
		}
		if len(u.AppVersions) == 0 {
			errs = append(errs, fmt.Errorf("unit %q has no app versions", u.Name))
		}
		for _, v := range u.AppVersions {
			if v == nil || v.ExeFile == "" {
				errs = append(errs, fmt.Errorf("unit %q: app version without exe_file", u.Name))
				continue
			}
			if v.Requirements.Architecture == "" {
				errs = append(errs, fmt.Errorf("unit %q: app version %q has no architecture", u.Name, v.Label))
			}
			errs = append(errs, checkFiles(u.Name, v.ExeFile)...)
			errs = append(errs, checkFiles(u.Name, v.Requirements.InputFiles...)...)
			errs = append(errs, checkFiles(u.Name, v.Requirements.OutputFiles...)...)
		}
		for _, req := range u.RunTimeReqs.TargetPlatforms {
			errs = append(errs, checkFiles(u.Name, req.InputFiles...)...)
			errs = append(errs, checkFiles(u.Name, req.OutputFiles...)...)
		}
		if u.ExperimentFile != "" {
			errs = append(errs, checkFiles(u.Name, u.ExperimentFile)...)
		}
		errs = append(errs, checkFiles(u.Name, u.OutputFiles...)...)
	}
	return errors.Join(errs...)
}

// checkFiles 协议里的文件名用 '/' 分隔，且不能是绝对路径
// 允许 "../x"，agent 会把它限制在 job 目录之内
func checkFiles(unit string, names ...string) []error {
	var errs []error
	for _, name := range names {
		if name == "" || path.IsAbs(name) || strings.ContainsRune(name, '\\') || (len(name) > 1 && name[1] == ':') {
			errs = append(errs, fmt.Errorf("unit %q: invalid file name %q", unit, name))
		}
	}
	return errs
}
