// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Step, volume and resource names used in compiled execution units.
const (
	StepPermissions        = "permissions"
	StepInputsProvisioning = "inputs-provisioning"
	StepSymlinksCreator    = "symlinks-creator"
	StepTask               = "task"
	StepOutputsSending     = "outputs-sending"

	VolumeInputs   = "inputs"
	VolumeOutputs  = "outputs"
	VolumeDatasets = "datasets"

	ResourceGPU = corev1.ResourceName("nvidia.com/gpu")

	serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// Kept outside the output root so the task's outputs are never
	// mixed with the archive.
	outputsArchive = "/tmp/outputs.zip"
)

// Resources is a resource class. Requests and limits are equal.
type Resources struct {
	CPU  resource.Quantity
	RAM  resource.Quantity
	GPUs int64
}

type Mount struct {
	Volume   string
	Path     string
	ReadOnly bool
}

// EnvVar is a literal value, or (if FieldPath is set) a value taken
// from the unit's own metadata.
type EnvVar struct {
	Name      string
	Value     string
	FieldPath string
}

type Step struct {
	Name      string
	Image     string
	Command   []string
	Resources Resources
	Mounts    []Mount
	Env       []EnvVar
}

type Volume struct {
	Name     string
	HostPath string
}

// ExecutionUnitSpec describes everything the platform needs to run
// one Run: setup steps run to completion in order, then the main
// step and the teardown step run side by side.
type ExecutionUnitSpec struct {
	Name      string
	Namespace string
	RunID     uuid.UUID
	Labels    map[string]string
	Setup     []Step
	Main      Step
	Teardown  Step
	Volumes   []Volume
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// UnitName returns the deterministic execution unit name for a run
// of the given task.
func UnitName(taskName string, runID uuid.UUID) string {
	return strings.ToLower(nonAlnum.ReplaceAllString(taskName, "")) + "-" + runID.String()
}

// Compiler turns schedules into execution units according to a
// scheduler configuration.
type Compiler struct {
	cfg     appengine.SchedulerConfig
	helper  Resources
	planner symlinkPlanner
}

// NewCompiler returns a Compiler for the given configuration. It
// fails if the run mode or helper resources are invalid.
func NewCompiler(cfg appengine.SchedulerConfig) (*Compiler, error) {
	switch cfg.RunMode {
	case appengine.RunModeCluster, appengine.RunModeLocal:
	default:
		return nil, invalidf("unknown run mode %q", cfg.RunMode)
	}
	cpu, err := resource.ParseQuantity(cfg.HelperContainersResources.CPU)
	if err != nil {
		return nil, invalidf("helper cpu %q: %s", cfg.HelperContainersResources.CPU, err)
	}
	ram, err := resource.ParseQuantity(cfg.HelperContainersResources.RAM)
	if err != nil {
		return nil, invalidf("helper ram %q: %s", cfg.HelperContainersResources.RAM, err)
	}
	return &Compiler{
		cfg:    cfg,
		helper: Resources{CPU: cpu, RAM: ram},
		planner: symlinkPlanner{
			datasetsMount: cfg.Storage.DatasetsMountPath,
		},
	}, nil
}

// Compile builds the execution unit for a schedule. Errors wrap
// ErrInvalidSchedule.
func (cp *Compiler) Compile(sched appengine.Schedule) (*ExecutionUnitSpec, error) {
	run := sched.Run
	task := run.Task
	if run.ID == uuid.Nil {
		return nil, invalidf("run has no id")
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, err)
	}
	taskRAM := resource.MustParse(task.RAM)
	taskRes := Resources{
		CPU:  *resource.NewQuantity(int64(task.CPUs), resource.DecimalSI),
		RAM:  taskRAM,
		GPUs: int64(task.GPUs),
	}

	planner := cp.planner
	planner.inputRoot = task.InputFolder
	linkCmds, err := planner.Commands(sched.Links)
	if err != nil {
		return nil, err
	}

	url := cp.cfg.CallbackURL(run.ID.String())
	inputs := Mount{Volume: VolumeInputs, Path: task.InputFolder}
	outputs := Mount{Volume: VolumeOutputs, Path: task.OutputFolder}
	datasets := Mount{Volume: VolumeDatasets, Path: cp.cfg.Storage.DatasetsMountPath, ReadOnly: true}

	eu := &ExecutionUnitSpec{
		Name:      UnitName(task.Name, run.ID),
		Namespace: cp.cfg.Namespace,
		RunID:     run.ID,
		Labels:    map[string]string{RunIDLabel: run.ID.String()},
		Volumes: []Volume{
			{Name: VolumeInputs, HostPath: path.Join(cp.cfg.Storage.InputsBasePath, appengine.InputsStorageName(run.ID))},
			{Name: VolumeOutputs, HostPath: path.Join(cp.cfg.Storage.OutputsBasePath, appengine.OutputsStorageName(run.ID))},
		},
	}

	eu.Setup = append(eu.Setup, cp.helperStep(StepPermissions,
		[]string{"chmod -R 777 " + task.InputFolder + " " + task.OutputFolder},
		inputs, outputs))

	switch cp.cfg.RunMode {
	case appengine.RunModeCluster:
		eu.Setup = append(eu.Setup, cp.helperStep(StepInputsProvisioning,
			[]string{
				"curl -L -o inputs.zip " + url + "/inputs.zip",
				"unzip -o inputs.zip -d " + task.InputFolder,
			},
			inputs))
	case appengine.RunModeLocal:
		if len(linkCmds) > 0 {
			eu.Setup = append(eu.Setup, cp.helperStep(StepSymlinksCreator, linkCmds, inputs, datasets))
		}
	}

	eu.Main = Step{
		Name:      StepTask,
		Image:     cp.taskImage(task.ImageName),
		Resources: taskRes,
		Mounts:    []Mount{inputs, outputs},
	}
	// Links point into the datasets mount, so the task needs it too.
	if len(sched.Links) > 0 {
		eu.Main.Mounts = append(eu.Main.Mounts, datasets)
		eu.Volumes = append(eu.Volumes, Volume{Name: VolumeDatasets, HostPath: cp.cfg.Storage.DatasetsPath})
	}

	sendCmds := []string{cp.waitForTaskCommand()}
	if cp.cfg.RunMode == appengine.RunModeCluster {
		sendCmds = append(sendCmds,
			"cd "+task.OutputFolder,
			"zip -r "+outputsArchive+" .",
			"curl -X POST -F 'outputs=@"+outputsArchive+"' "+url+"/"+run.Secret.String()+"/outputs.zip")
	} else {
		sendCmds = append(sendCmds, `curl -X POST -H 'Content-Type: application/json' -d '{"desired":"FINISHED"}' `+url+"/state-actions")
	}
	eu.Teardown = cp.helperStep(StepOutputsSending, sendCmds, outputs)
	eu.Teardown.Env = []EnvVar{{Name: "POD_NAME", FieldPath: "metadata.name"}}
	return eu, nil
}

func (cp *Compiler) helperStep(name string, cmds []string, mounts ...Mount) Step {
	return Step{
		Name:      name,
		Image:     cp.cfg.HelperImage,
		Command:   []string{"/bin/sh", "-c", strings.Join(cmds, " && ")},
		Resources: cp.helper,
		Mounts:    mounts,
	}
}

func (cp *Compiler) taskImage(image string) string {
	if cp.cfg.RegistryHost == "" {
		return image
	}
	return strings.TrimRight(cp.cfg.RegistryHost, "/") + "/" + image
}

// waitForTaskCommand polls the platform's status endpoint with the
// unit's service account token until the task container has
// terminated.
func (cp *Compiler) waitForTaskCommand() string {
	return `export TOKEN=$(cat ` + serviceAccountTokenPath + `); ` +
		`while ! curl -sk -H "Authorization: Bearer $TOKEN" ` +
		`https://${KUBERNETES_SERVICE_HOST}:${KUBERNETES_SERVICE_PORT_HTTPS}/api/v1/namespaces/` + cp.cfg.Namespace + `/pods/${POD_NAME}/status ` +
		`| jq '.status | .containerStatuses[] | select(.name == "` + StepTask + `") | .state | keys[0]' ` +
		`| grep -q -F "terminated"; do sleep 2; done`
}

// Pod renders the execution unit as a Kubernetes pod.
func (eu *ExecutionUnitSpec) Pod() *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      eu.Name,
			Namespace: eu.Namespace,
			Labels:    map[string]string{},
		},
		Spec: corev1.PodSpec{
			HostNetwork:   true,
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}
	for k, v := range eu.Labels {
		pod.ObjectMeta.Labels[k] = v
	}
	for _, step := range eu.Setup {
		pod.Spec.InitContainers = append(pod.Spec.InitContainers, step.container())
	}
	pod.Spec.Containers = []corev1.Container{eu.Main.container(), eu.Teardown.container()}
	for _, vol := range eu.Volumes {
		pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
			Name: vol.Name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: vol.HostPath},
			},
		})
	}
	return pod
}

func (step Step) container() corev1.Container {
	ctr := corev1.Container{
		Name:            step.Name,
		Image:           step.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         step.Command,
		Resources:       step.Resources.requirements(),
	}
	for _, m := range step.Mounts {
		ctr.VolumeMounts = append(ctr.VolumeMounts, corev1.VolumeMount{
			Name:      m.Volume,
			MountPath: m.Path,
			ReadOnly:  m.ReadOnly,
		})
	}
	for _, env := range step.Env {
		ev := corev1.EnvVar{Name: env.Name, Value: env.Value}
		if env.FieldPath != "" {
			ev.Value = ""
			ev.ValueFrom = &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: env.FieldPath},
			}
		}
		ctr.Env = append(ctr.Env, ev)
	}
	return ctr
}

func (res Resources) requirements() corev1.ResourceRequirements {
	list := corev1.ResourceList{
		corev1.ResourceCPU:    res.CPU,
		corev1.ResourceMemory: res.RAM,
	}
	if res.GPUs > 0 {
		list[ResourceGPU] = resource.MustParse(strconv.FormatInt(res.GPUs, 10))
	}
	return corev1.ResourceRequirements{
		Requests: list,
		Limits:   list.DeepCopy(),
	}
}
