// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"errors"
	"strings"

	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CompileSuite{})

type CompileSuite struct {
	cfg   appengine.SchedulerConfig
	sched appengine.Schedule
}

const (
	testRunID  = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testSecret = "11111111-2222-3333-4444-555555555555"
)

func testSchedulerConfig() appengine.SchedulerConfig {
	var cfg appengine.SchedulerConfig
	cfg.RunMode = appengine.RunModeCluster
	cfg.AdvertisedURL = "http://app-engine:8080"
	cfg.APIPrefix = "/app-engine/v1"
	cfg.Namespace = "default"
	cfg.RegistryHost = "registry:5000"
	cfg.HelperImage = "cytomineuliege/alpine-task-utils:latest"
	cfg.HelperContainersResources.CPU = "100m"
	cfg.HelperContainersResources.RAM = "128Mi"
	cfg.Storage.InputsBasePath = "/tmp/app-engine"
	cfg.Storage.OutputsBasePath = "/tmp/app-engine"
	cfg.Storage.DatasetsPath = "/data/datasets"
	cfg.Storage.DatasetsMountPath = "/datasets"
	return cfg
}

func (s *CompileSuite) SetUpTest(c *check.C) {
	s.cfg = testSchedulerConfig()
	s.sched = appengine.Schedule{
		Run: appengine.Run{
			ID:     uuid.MustParse(testRunID),
			Secret: uuid.MustParse(testSecret),
			State:  appengine.TaskRunStateProvisioned,
			Task: appengine.Task{
				Name:         "Threshold_Task",
				ImageName:    "cytomine/threshold:1.0.0",
				InputFolder:  "/inputs",
				OutputFolder: "/outputs",
				CPUs:         2,
				RAM:          "512Mi",
			},
		},
	}
}

func (s *CompileSuite) compile(c *check.C, mode appengine.RunMode) *ExecutionUnitSpec {
	s.cfg.RunMode = mode
	cp, err := NewCompiler(s.cfg)
	c.Assert(err, check.IsNil)
	eu, err := cp.Compile(s.sched)
	c.Assert(err, check.IsNil)
	return eu
}

func stepNames(steps []Step) []string {
	var names []string
	for _, step := range steps {
		names = append(names, step.Name)
	}
	return names
}

func checkQuantity(c *check.C, list corev1.ResourceList, name corev1.ResourceName, expect string) {
	q, ok := list[name]
	c.Assert(ok, check.Equals, true, check.Commentf("%s missing", name))
	c.Check(q.Cmp(resource.MustParse(expect)), check.Equals, 0, check.Commentf("%s = %s, expected %s", name, q.String(), expect))
}

func (s *CompileSuite) TestClusterMode(c *check.C) {
	eu := s.compile(c, appengine.RunModeCluster)
	url := "http://app-engine:8080/app-engine/v1/task-runs/" + testRunID

	c.Check(eu.Name, check.Equals, "thresholdtask-"+testRunID)
	c.Check(eu.Labels, check.DeepEquals, map[string]string{"runId": testRunID})
	c.Check(stepNames(eu.Setup), check.DeepEquals, []string{"permissions", "inputs-provisioning"})
	c.Check(eu.Setup[0].Command, check.DeepEquals, []string{"/bin/sh", "-c", "chmod -R 777 /inputs /outputs"})
	c.Check(eu.Setup[1].Command, check.DeepEquals, []string{"/bin/sh", "-c",
		"curl -L -o inputs.zip " + url + "/inputs.zip && unzip -o inputs.zip -d /inputs"})

	pod := eu.Pod()
	c.Assert(pod.Spec.Containers, check.HasLen, 2)
	main := pod.Spec.Containers[0]
	c.Check(main.Name, check.Equals, "task")
	c.Check(main.Image, check.Equals, "registry:5000/cytomine/threshold:1.0.0")
	c.Check(main.Command, check.HasLen, 0)
	for _, list := range []corev1.ResourceList{main.Resources.Requests, main.Resources.Limits} {
		c.Check(list, check.HasLen, 2)
		checkQuantity(c, list, corev1.ResourceCPU, "2")
		checkQuantity(c, list, corev1.ResourceMemory, "512Mi")
		_, gpu := list[ResourceGPU]
		c.Check(gpu, check.Equals, false)
	}

	teardown := pod.Spec.Containers[1]
	c.Check(teardown.Name, check.Equals, "outputs-sending")
	c.Assert(teardown.Command, check.HasLen, 3)
	cmd := teardown.Command[2]
	c.Check(strings.HasPrefix(cmd, "export TOKEN=$(cat /var/run/secrets/kubernetes.io/serviceaccount/token); while ! curl "), check.Equals, true, check.Commentf("%s", cmd))
	c.Check(strings.Contains(cmd, "https://${KUBERNETES_SERVICE_HOST}:${KUBERNETES_SERVICE_PORT_HTTPS}/api/v1/namespaces/default/pods/${POD_NAME}/status"), check.Equals, true)
	c.Check(strings.Contains(cmd, `select(.name == "task") | .state | keys[0]' | grep -q -F "terminated"; do sleep 2; done`), check.Equals, true)
	c.Check(strings.HasSuffix(cmd, " && cd /outputs && zip -r /tmp/outputs.zip . && curl -X POST -F 'outputs=@/tmp/outputs.zip' "+url+"/"+testSecret+"/outputs.zip"), check.Equals, true, check.Commentf("%s", cmd))
	c.Check(teardown.Env, check.HasLen, 1)
	c.Check(teardown.Env[0].Name, check.Equals, "POD_NAME")
	c.Check(teardown.Env[0].ValueFrom.FieldRef.FieldPath, check.Equals, "metadata.name")
}

func (s *CompileSuite) TestGPU(c *check.C) {
	s.sched.Run.Task.GPUs = 1
	pod := s.compile(c, appengine.RunModeCluster).Pod()
	main := pod.Spec.Containers[0]
	checkQuantity(c, main.Resources.Requests, ResourceGPU, "1")
	checkQuantity(c, main.Resources.Limits, ResourceGPU, "1")
	for _, ctr := range append(pod.Spec.InitContainers, pod.Spec.Containers[1]) {
		_, gpu := ctr.Resources.Limits[ResourceGPU]
		c.Check(gpu, check.Equals, false, check.Commentf("%s", ctr.Name))
		checkQuantity(c, ctr.Resources.Requests, corev1.ResourceCPU, "100m")
		checkQuantity(c, ctr.Resources.Limits, corev1.ResourceMemory, "128Mi")
	}
}

func (s *CompileSuite) TestModeExclusivity(c *check.C) {
	s.sched.Links = []appengine.Symlink{
		appengine.CollectionSymlink("images", map[string]string{"[0]": "a.tif"}),
	}
	cluster := s.compile(c, appengine.RunModeCluster)
	local := s.compile(c, appengine.RunModeLocal)

	c.Check(stepNames(cluster.Setup), check.DeepEquals, []string{"permissions", "inputs-provisioning"})
	c.Check(stepNames(local.Setup), check.DeepEquals, []string{"permissions", "symlinks-creator"})
	c.Check(local.Setup[0], check.DeepEquals, cluster.Setup[0])
	c.Check(local.Main, check.DeepEquals, cluster.Main)
	c.Check(local.Teardown.Name, check.Equals, cluster.Teardown.Name)
	c.Check(local.Teardown.Mounts, check.DeepEquals, cluster.Teardown.Mounts)
	c.Check(local.Teardown.Env, check.DeepEquals, cluster.Teardown.Env)

	c.Check(local.Volumes, check.DeepEquals, cluster.Volumes)
	c.Assert(local.Volumes, check.HasLen, 3)
	c.Check(local.Volumes[2], check.DeepEquals, Volume{Name: "datasets", HostPath: "/data/datasets"})

	creator := local.Setup[1]
	c.Check(creator.Mounts, check.DeepEquals, []Mount{
		{Volume: "inputs", Path: "/inputs"},
		{Volume: "datasets", Path: "/datasets", ReadOnly: true},
	})
	c.Check(creator.Command[2], check.Equals,
		"mkdir -p '/inputs/images' && ln -sfn '/datasets/a.tif' '/inputs/images/0' && echo 'size: 1' > '/inputs/images/array.yml'")
	c.Check(strings.HasSuffix(local.Teardown.Command[2],
		`; done && curl -X POST -H 'Content-Type: application/json' -d '{"desired":"FINISHED"}' http://app-engine:8080/app-engine/v1/task-runs/`+testRunID+`/state-actions`),
		check.Equals, true, check.Commentf("%s", local.Teardown.Command[2]))
	c.Check(strings.Contains(local.Teardown.Command[2], "zip"), check.Equals, false)
}

func (s *CompileSuite) TestTaskMountsDatasets(c *check.C) {
	plain := []Mount{
		{Volume: "inputs", Path: "/inputs"},
		{Volume: "outputs", Path: "/outputs"},
	}
	for _, mode := range []appengine.RunMode{appengine.RunModeCluster, appengine.RunModeLocal} {
		s.sched.Links = nil
		c.Check(s.compile(c, mode).Main.Mounts, check.DeepEquals, plain, check.Commentf("%s", mode))

		s.sched.Links = []appengine.Symlink{
			appengine.CollectionSymlink("images", map[string]string{"[0]": "a.tif"}),
		}
		eu := s.compile(c, mode)
		c.Check(eu.Main.Mounts, check.DeepEquals, append(plain,
			Mount{Volume: "datasets", Path: "/datasets", ReadOnly: true}), check.Commentf("%s", mode))
		c.Check(eu.Volumes[len(eu.Volumes)-1], check.DeepEquals,
			Volume{Name: "datasets", HostPath: "/data/datasets"}, check.Commentf("%s", mode))

		pod := eu.Pod()
		c.Check(pod.Spec.Containers[0].VolumeMounts[2], check.DeepEquals, corev1.VolumeMount{
			Name: "datasets", MountPath: "/datasets", ReadOnly: true,
		})
	}
}

func (s *CompileSuite) TestLocalModeWithoutLinks(c *check.C) {
	eu := s.compile(c, appengine.RunModeLocal)
	c.Check(stepNames(eu.Setup), check.DeepEquals, []string{"permissions"})
	c.Check(eu.Volumes, check.HasLen, 2)
}

func (s *CompileSuite) TestPod(c *check.C) {
	pod := s.compile(c, appengine.RunModeCluster).Pod()
	c.Check(pod.Name, check.Equals, "thresholdtask-"+testRunID)
	c.Check(pod.Namespace, check.Equals, "default")
	c.Check(pod.Labels["runId"], check.Equals, testRunID)
	c.Check(pod.Spec.HostNetwork, check.Equals, true)
	c.Check(pod.Spec.RestartPolicy, check.Equals, corev1.RestartPolicyNever)
	c.Check(pod.Spec.InitContainers, check.HasLen, 2)
	for _, ctr := range append(pod.Spec.InitContainers, pod.Spec.Containers...) {
		c.Check(ctr.ImagePullPolicy, check.Equals, corev1.PullIfNotPresent)
	}
	c.Assert(pod.Spec.Volumes, check.HasLen, 2)
	c.Check(pod.Spec.Volumes[0].Name, check.Equals, "inputs")
	c.Check(pod.Spec.Volumes[0].HostPath.Path, check.Equals, "/tmp/app-engine/task-run-inputs-"+testRunID)
	c.Check(pod.Spec.Volumes[1].Name, check.Equals, "outputs")
	c.Check(pod.Spec.Volumes[1].HostPath.Path, check.Equals, "/tmp/app-engine/task-run-outputs-"+testRunID)
	c.Check(pod.Spec.InitContainers[0].VolumeMounts, check.DeepEquals, []corev1.VolumeMount{
		{Name: "inputs", MountPath: "/inputs"},
		{Name: "outputs", MountPath: "/outputs"},
	})
}

func (s *CompileSuite) TestInvalid(c *check.C) {
	s.cfg.RunMode = "hybrid"
	_, err := NewCompiler(s.cfg)
	c.Check(err, check.ErrorMatches, `invalid schedule: unknown run mode "hybrid"`)

	s.cfg = testSchedulerConfig()
	s.cfg.HelperContainersResources.RAM = "lots"
	_, err = NewCompiler(s.cfg)
	c.Check(errors.Is(err, ErrInvalidSchedule), check.Equals, true)

	s.cfg = testSchedulerConfig()
	cp, err := NewCompiler(s.cfg)
	c.Assert(err, check.IsNil)
	s.sched.Run.Task.RAM = "lots"
	_, err = cp.Compile(s.sched)
	c.Check(errors.Is(err, ErrInvalidSchedule), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid schedule: task "Threshold_Task" ram "lots": .*`)

	s.SetUpTest(c)
	s.sched.Run.ID = uuid.Nil
	_, err = cp.Compile(s.sched)
	c.Check(err, check.ErrorMatches, `invalid schedule: run has no id`)
}

func (s *CompileSuite) TestUnitName(c *check.C) {
	id := uuid.MustParse(testRunID)
	c.Check(UnitName("My Task-v2.0", id), check.Equals, "mytaskv20-"+testRunID)
}
