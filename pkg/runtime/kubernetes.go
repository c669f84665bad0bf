package runtime

import (
	"context"
	"fmt"
	"strings"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// subset of k8s.Clientset the adapter needs.
type K8sClient interface {
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
}

type k8sClient struct {
	client *k8s.Clientset
}

var _ K8sClient = (*k8sClient)(nil)

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, spec, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	policy := kubeapimeta.DeletePropagationBackground
	return k.client.BatchV1().Jobs(namespace).Delete(
		ctx, name, kubeapimeta.DeleteOptions{PropagationPolicy: &policy},
	)
}

// ConnectToK8s builds a clientset from in-cluster config, falling back
// to the default kubeconfig chain outside a cluster.
func ConnectToK8s() (K8sClient, error) {
	conf, err := rest.InClusterConfig()
	if err != nil {
		loader := clientcmd.NewDefaultClientConfigLoadingRules()
		conf, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loader, &clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, err
		}
	}
	clientset, err := k8s.NewForConfig(conf)
	if err != nil {
		return nil, err
	}
	return &k8sClient{client: clientset}, nil
}

// kubernetes submits jobs as batch/v1 Jobs in a cluster namespace.
type kubernetes struct {
	name      string
	namespace string
	client    K8sClient
}

func newKubernetes(conf *config.Runtime, _ Options) (*kubernetes, error) {
	client, err := ConnectToK8s()
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", conf.Name(), err)
	}
	return NewKubernetesWith(conf, client), nil
}

// NewKubernetesWith injects the cluster client; tests use this.
func NewKubernetesWith(conf *config.Runtime, client K8sClient) *kubernetes {
	namespace := conf.Namespace()
	if namespace == "" {
		namespace = "default"
	}
	return &kubernetes{
		name:      conf.Name(),
		namespace: namespace,
		client:    client,
	}
}

func (k *kubernetes) Name() string {
	return k.name
}

func (k *kubernetes) Asynchronous() bool {
	return false
}

// jobName renders the k8s object name for a node. Node ids are hex, so
// the only normalisation needed is length capping.
func jobName(node domain.Node) string {
	n := "kite-" + strings.ToLower(node.ID)
	if 63 < len(n) {
		n = n[:63]
	}
	return n
}

func (k *kubernetes) Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error) {
	image := job.Params["image"]
	if image == "" {
		return Handle{}, fmt.Errorf("%w: job %s has no image parameter", ErrSubmit, job.Name)
	}
	if _, err := name.ParseReference(image); err != nil {
		return Handle{}, fmt.Errorf("%w: bad image %q: %w", ErrSubmit, image, err)
	}

	var backoffLimit int32 = 0
	spec := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      jobName(node),
			Namespace: k.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "kite",
				"kite/node-id":                 node.ID,
				"kite/job-name":                node.Name,
			},
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{
					Labels: map[string]string{"kite/node-id": node.ID},
				},
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					Containers: []kubecore.Container{
						{
							Name:    "main",
							Image:   image,
							Command: []string{"sh", "-c", string(job.Definition)},
							Env: []kubecore.EnvVar{
								{Name: "KITE_NODE_ID", Value: node.ID},
							},
						},
					},
				},
			},
		},
	}

	created, err := k.client.CreateJob(ctx, k.namespace, spec)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			// idempotent resubmission of the same node
			return Handle{Runtime: k.name, JobID: jobName(node)}, nil
		}
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	return Handle{Runtime: k.name, JobID: created.Name}, nil
}

func (k *kubernetes) Poll(ctx context.Context, h Handle) (Status, error) {
	job, err := k.client.GetJob(ctx, k.namespace, h.JobID)
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return Failed, nil
		}
		return "", err
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != kubecore.ConditionTrue {
			continue
		}
		switch cond.Type {
		case kubebatch.JobComplete:
			return Succeeded, nil
		case kubebatch.JobFailed:
			return Failed, nil
		}
	}
	if 0 < job.Status.Active {
		return Running, nil
	}
	return Pending, nil
}

func (k *kubernetes) Cancel(ctx context.Context, h Handle) error {
	err := k.client.DeleteJob(ctx, k.namespace, h.JobID)
	if kubeerr.IsNotFound(err) {
		return nil
	}
	return err
}

// IngestResult parses the result document the pod captured. Without
// one, the verdict falls back to the Job's terminal condition: a pod
// that completed without a document passes, a failed pod that never got
// to report is incomplete (the work did not run to a verdict).
func (k *kubernetes) IngestResult(ctx context.Context, node domain.Node, payload []byte) (Outcome, error) {
	if 0 < len(payload) {
		return parseLocalResults(payload)
	}

	status, err := k.Poll(ctx, Handle{Runtime: k.name, JobID: jobName(node)})
	if err != nil {
		return Outcome{}, err
	}
	switch status {
	case Succeeded:
		return Outcome{Result: domain.Pass}, nil
	case Failed:
		return Outcome{
			Result:    domain.Incomplete,
			ErrorCode: "no_results",
			ErrorMsg:  "pod failed without a result document",
		}, nil
	default:
		return Outcome{Result: domain.Incomplete}, nil
	}
}
