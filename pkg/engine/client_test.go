package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
)

// fakeCall records one CLI invocation seen by the fake runner.
type fakeCall struct {
	name    string
	args    []string
	env     map[string]string
	timeout time.Duration
}

// fakeRunner returns canned outputs in order and records every call.
type fakeRunner struct {
	calls   []fakeCall
	outputs []string
	errs    []error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, env map[string]string, timeout time.Duration) (string, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args, env: env, timeout: timeout})
	i := len(f.calls) - 1
	var out string
	var err error
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

func (f *fakeRunner) lastCall() fakeCall {
	return f.calls[len(f.calls)-1]
}

const testNetwork = "proj_internal-net"

func newTestClient(engine config.Engine, goos string, runner *fakeRunner) *Client {
	return NewClient(engine, testNetwork, WithRunner(runner), WithGOOS(goos))
}

func inspectJSON(id, name, hostname, status, ip string, checkpointed bool) string {
	return fmt.Sprintf(`[{"Id":%q,"Name":"/%s","Config":{"Hostname":%q},`+
		`"State":{"Status":%q,"StartedAt":"2026-08-25T10:00:00.000000000Z","Checkpointed":%t},`+
		`"NetworkSettings":{"Networks":{%q:{"IPAddress":%q}}}}]`,
		id, name, hostname, status, checkpointed, testNetwork, ip)
}

func TestRunPodmanRemoteAndEnv(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EnginePodman, "linux", runner)

	_, err := client.ListBasic(context.Background(), "", nil, true)
	require.NoError(t, err)

	call := runner.lastCall()
	assert.Equal(t, "podman", call.name)
	assert.Equal(t, "--remote", call.args[0])
	assert.Equal(t, "unix:///run/podman/podman.sock", call.env["DOCKER_HOST"])
	assert.Equal(t, "unix:///run/podman/podman.sock", call.env["CONTAINER_HOST"])
	assert.Equal(t, DefaultTimeout, call.timeout)
}

func TestRunDockerNoRemote(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	_, err := client.ListBasic(context.Background(), "", nil, true)
	require.NoError(t, err)

	call := runner.lastCall()
	assert.Equal(t, "docker", call.name)
	assert.Equal(t, "container", call.args[0])
	assert.Equal(t, "unix:///var/run/docker.sock", call.env["DOCKER_HOST"])
	assert.NotContains(t, call.env, "CONTAINER_HOST")
}

func TestRunDarwinSkipsSocketEnv(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EngineDocker, "darwin", runner)

	_, err := client.ListBasic(context.Background(), "", nil, true)
	require.NoError(t, err)

	assert.Empty(t, runner.lastCall().env)
}

func TestListBasicFilters(t *testing.T) {
	tests := []struct {
		name        string
		partialName string
		labels      map[string]string
		runningOnly bool
		wantArgs    []string
		notWantArgs []string
	}{
		{
			name:        "all containers",
			runningOnly: false,
			wantArgs:    []string{"--all"},
		},
		{
			name:        "running only",
			runningOnly: true,
			notWantArgs: []string{"--all"},
		},
		{
			name:        "name filter",
			partialName: "UNASSIGNED-",
			wantArgs:    []string{"--filter", "name=UNASSIGNED-"},
		},
		{
			name:     "label filter",
			labels:   map[string]string{"com.docker.compose.service": "mcp-getgather"},
			wantArgs: []string{"--filter", "label=com.docker.compose.service=mcp-getgather"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outputs: []string{""}}
			client := newTestClient(config.EngineDocker, "linux", runner)

			_, err := client.ListBasic(context.Background(), tt.partialName, tt.labels, tt.runningOnly)
			require.NoError(t, err)

			joined := strings.Join(runner.lastCall().args, " ")
			for _, want := range tt.wantArgs {
				assert.Contains(t, joined, want)
			}
			for _, notWant := range tt.notWantArgs {
				assert.NotContains(t, joined, notWant)
			}
		})
	}
}

func TestListBasicParsesOutput(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"abc123 UNASSIGNED-x2k9pq\ndef456 user.github-m3n7rt\n"}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	infos, err := client.ListBasic(context.Background(), "", nil, false)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, BasicInfo{ID: "abc123", Name: "UNASSIGNED-x2k9pq"}, infos[0])
	assert.Equal(t, BasicInfo{ID: "def456", Name: "user.github-m3n7rt"}, infos[1])
}

func TestInspectCardinalityMismatch(t *testing.T) {
	runner := &fakeRunner{outputs: []string{inspectJSON("abc", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "10.89.0.5", false)}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	_, err := client.Inspect(context.Background(), "abc", "def")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestGetParsesContainer(t *testing.T) {
	fullID := "abcdef1234567890abcdef"
	runner := &fakeRunner{outputs: []string{inspectJSON(fullID, "user.github-m3n7rt", "m3n7rt", "running", "10.89.0.7", true)}}
	client := newTestClient(config.EnginePodman, "linux", runner)

	container, err := client.Get(context.Background(), fullID, "")
	require.NoError(t, err)

	assert.Equal(t, "abcdef123456", container.ID)
	assert.Equal(t, "user.github-m3n7rt", container.Name)
	assert.Equal(t, "m3n7rt", container.Hostname)
	assert.Equal(t, "10.89.0.7", container.IP)
	assert.True(t, container.Running())
	assert.True(t, container.Checkpointed)
	assert.Equal(t, testNetwork, container.NetworkName)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), container.StartedAt)
}

func TestGetByNameAmbiguous(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"abc name-1\ndef name-2",
		"[" + strings.Trim(inspectJSON("abc", "name-1", "h1", "running", "10.89.0.5", false), "[]") + "," +
			strings.Trim(inspectJSON("def", "name-2", "h2", "running", "10.89.0.6", false), "[]") + "]",
	}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	_, err := client.Get(context.Background(), "", "name")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousName)
}

func TestGetByNameNotFound(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	_, err := client.Get(context.Background(), "", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateArgs(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"abc123",
		inspectJSON("abc123", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "10.89.0.5", false),
	}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	spec := CreateSpec{
		Name:       "UNASSIGNED-x2k9pq",
		Hostname:   "x2k9pq",
		User:       "root",
		Image:      "proj_mcp-getgather",
		Entrypoint: "/bin/sh",
		Cmd:        []string{"-c", "exec /app/entrypoint.sh"},
		Env:        map[string]string{"PORT": "80", "DATA_DIR": "/app/data"},
		Volumes:    []string{"/data/container_mounts/x2k9pq:/app/data:rw"},
		Labels:     map[string]string{"com.docker.compose.project": "proj"},
		CapAdds:    []string{"NET_BIND_SERVICE", "NET_ADMIN"},
	}

	container, err := client.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "x2k9pq", container.Hostname)

	createCall := runner.calls[0]
	assert.Equal(t, CreateTimeout, createCall.timeout)

	joined := strings.Join(createCall.args, " ")
	assert.True(t, strings.HasPrefix(joined, "run -d --restart on-failure:3 --name UNASSIGNED-x2k9pq --hostname x2k9pq --user root --dns 8.8.8.8 --dns 1.1.1.1"))
	// env keys are emitted in sorted order
	assert.Contains(t, joined, "--env DATA_DIR=/app/data --env PORT=80")
	assert.Contains(t, joined, "--volume /data/container_mounts/x2k9pq:/app/data:rw")
	assert.Contains(t, joined, "--label com.docker.compose.project=proj")
	assert.Contains(t, joined, "--cap-add NET_BIND_SERVICE --cap-add NET_ADMIN")
	assert.Contains(t, joined, "--network "+testNetwork)
	assert.True(t, strings.HasSuffix(joined, "--entrypoint /bin/sh proj_mcp-getgather -c exec /app/entrypoint.sh"))
}

func TestCreateOrReplaceDeletesExisting(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"abc123 UNASSIGNED-x2k9pq", // ls
		inspectJSON("abc123", "UNASSIGNED-x2k9pq", "x2k9pq", "exited", "", false), // inspect
		"",       // rm
		"def456", // run
		inspectJSON("def456", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "10.89.0.5", false),
	}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	container, err := client.CreateOrReplace(context.Background(), CreateSpec{
		Name:     "UNASSIGNED-x2k9pq",
		Hostname: "x2k9pq",
		Image:    "proj_mcp-getgather",
	})
	require.NoError(t, err)
	assert.Equal(t, "def456", container.ID)

	rmCall := runner.calls[2]
	assert.Equal(t, []string{"container", "rm", "--force", "abc123"}, rmCall.args)
}

func TestDeletePodmanAddsTimeZero(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EnginePodman, "linux", runner)

	require.NoError(t, client.Delete(context.Background(), "abc", "def"))
	assert.Equal(t, []string{"--remote", "container", "rm", "--force", "--time", "0", "abc", "def"}, runner.lastCall().args)
}

func TestDeleteNoIDsIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	client := newTestClient(config.EngineDocker, "linux", runner)

	require.NoError(t, client.Delete(context.Background()))
	assert.Empty(t, runner.calls)
}

func TestSupportsCheckpoint(t *testing.T) {
	tests := []struct {
		engine config.Engine
		goos   string
		want   bool
	}{
		{config.EnginePodman, "linux", true},
		{config.EnginePodman, "darwin", false},
		{config.EngineDocker, "linux", false},
		{config.EngineDocker, "darwin", false},
	}

	for _, tt := range tests {
		client := newTestClient(tt.engine, tt.goos, &fakeRunner{})
		assert.Equal(t, tt.want, client.SupportsCheckpoint(), "%s on %s", tt.engine, tt.goos)
	}
}

func TestCheckpointRequiresPodmanLinux(t *testing.T) {
	client := newTestClient(config.EngineDocker, "linux", &fakeRunner{})

	err := client.Checkpoint(context.Background(), "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
}

func TestCheckpointRunsUnderSudo(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EnginePodman, "linux", runner)

	require.NoError(t, client.Checkpoint(context.Background(), "abc"))

	call := runner.lastCall()
	assert.Equal(t, "sudo", call.name)
	assert.Equal(t, []string{"podman", "--remote", "container", "checkpoint", "abc"}, call.args)
}

func TestRestoreRunsUnderSudo(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EnginePodman, "linux", runner)

	require.NoError(t, client.Restore(context.Background(), "abc"))

	call := runner.lastCall()
	assert.Equal(t, "sudo", call.name)
	assert.Equal(t, []string{"podman", "--remote", "container", "restore", "abc"}, call.args)
}

func TestConnectNetworkIdempotent(t *testing.T) {
	// connect fails, but the container already has an IP: treated as success
	runner := &fakeRunner{
		outputs: []string{"", inspectJSON("abc", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "10.89.0.5", false)},
		errs:    []error{fmt.Errorf("endpoint already exists")},
	}
	client := newTestClient(config.EngineDocker, "linux", runner)

	assert.NoError(t, client.ConnectNetwork(context.Background(), testNetwork, "abc"))
}

func TestConnectNetworkFailsWithoutIP(t *testing.T) {
	runner := &fakeRunner{
		outputs: []string{"", inspectJSON("abc", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "", false)},
		errs:    []error{fmt.Errorf("network unavailable")},
	}
	client := newTestClient(config.EngineDocker, "linux", runner)

	assert.Error(t, client.ConnectNetwork(context.Background(), testNetwork, "abc"))
}

func TestDisconnectNetworkIdempotent(t *testing.T) {
	// disconnect fails, but the container already has no IP: treated as success
	runner := &fakeRunner{
		outputs: []string{"", inspectJSON("abc", "UNASSIGNED-x2k9pq", "x2k9pq", "running", "", false)},
		errs:    []error{fmt.Errorf("not connected")},
	}
	client := newTestClient(config.EngineDocker, "linux", runner)

	assert.NoError(t, client.DisconnectNetwork(context.Background(), testNetwork, "abc"))
}

func TestPullImageTags(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"", ""}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	require.NoError(t, client.PullImage(context.Background(), "ghcr.io/mcp-getgather/mcp-getgather:latest", "proj_mcp-getgather"))
	require.Len(t, runner.calls, 2)

	assert.Equal(t, []string{"image", "pull", "ghcr.io/mcp-getgather/mcp-getgather:latest"}, runner.calls[0].args)
	assert.Equal(t, PullTimeout, runner.calls[0].timeout)
	assert.Equal(t, []string{"image", "tag", "ghcr.io/mcp-getgather/mcp-getgather:latest", "proj_mcp-getgather"}, runner.calls[1].args)
}

func TestExecDetached(t *testing.T) {
	runner := &fakeRunner{outputs: []string{""}}
	client := newTestClient(config.EngineDocker, "linux", runner)

	require.NoError(t, client.Exec(context.Background(), "abc", "rm", "-rf", "/tmp/cache"))
	assert.Equal(t, []string{"exec", "-d", "abc", "rm", "-rf", "/tmp/cache"}, runner.lastCall().args)
}
