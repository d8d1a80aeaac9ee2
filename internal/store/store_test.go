package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
)

func sample() *Summary {
	return &Summary{
		JobID:           "clip_mp4-0a1b2c3d",
		Source:          "clip.mp4",
		OutputFile:      "detected_clip.mp4",
		Status:          jobs.StatusCompleted,
		TotalDetections: 3,
		FramesProcessed: 2,
		LabelCounts:     map[string]int{"soldier": 2, "civilian": 1},
		Detections: []jobs.FrameSummary{
			{Frame: 1, Count: 1},
			{Frame: 2, Count: 2},
		},
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFileStore_WritesSummaryFile(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	if err := fs.PutSummary(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "summary_clip_mp4-0a1b2c3d.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["total_detections"] != float64(3) || m["frames_processed"] != float64(2) {
		t.Errorf("counters = %v / %v", m["total_detections"], m["frames_processed"])
	}
	if d, ok := m["detections"].([]any); !ok || len(d) != 2 {
		t.Errorf("detections = %v", m["detections"])
	}

	got, err := fs.GetSummary(context.Background(), "clip_mp4-0a1b2c3d")
	if err != nil || got == nil {
		t.Fatalf("GetSummary = %v, %v", got, err)
	}
	if got.Status != jobs.StatusCompleted || len(got.Detections) != 2 {
		t.Errorf("read back %+v", got)
	}
}

func TestFileStore_Missing(t *testing.T) {
	got, err := NewFileStore(t.TempDir()).GetSummary(context.Background(), "nope")
	if got != nil || err != nil {
		t.Fatalf("GetSummary = %v, %v; want nil, nil", got, err)
	}
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
	table string
}

func key(item map[string]types.AttributeValue) string {
	return item["PK"].(*types.AttributeValueMemberS).Value + "|" + item["SK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.table = aws.ToString(in.TableName)
	f.items[key(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[key(in.Key)]}, nil
}

func TestDynamoStore(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	ds := NewDynamoStore(fake, "skyguard-jobs")
	ds.now = func() time.Time { return time.Unix(1000, 0) }

	if err := ds.PutSummary(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	if fake.table != "skyguard-jobs" {
		t.Errorf("table = %q", fake.table)
	}
	item, ok := fake.items["JOB#clip_mp4-0a1b2c3d|SUMMARY"]
	if !ok {
		t.Fatalf("item not stored under job key: %v", fake.items)
	}
	ttl := item["expiresAt"].(*types.AttributeValueMemberN).Value
	if want := "605800"; ttl != want {
		t.Errorf("expiresAt = %s, want %s", ttl, want)
	}
	if _, ok := item["Detections"]; ok {
		t.Error("per-frame detections should not be stored in DynamoDB")
	}

	got, err := ds.GetSummary(context.Background(), "clip_mp4-0a1b2c3d")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalDetections != 3 || got.LabelCounts["soldier"] != 2 {
		t.Errorf("read back %+v", got)
	}

	missing, err := ds.GetSummary(context.Background(), "other")
	if missing != nil || err != nil {
		t.Errorf("missing = %v, %v", missing, err)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Mirror(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "detected_clip.mp4"), []byte("video"), 0o644)

	client := &fakeS3{objects: map[string][]byte{}}
	m := NewS3Mirror(NewFileStore(dir), client, "bucket", dir)
	if err := m.PutSummary(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}

	if _, ok := client.objects["jobs/clip_mp4-0a1b2c3d/summary_clip_mp4-0a1b2c3d.json"]; !ok {
		t.Errorf("summary not mirrored: %v", client.objects)
	}
	if !bytes.Equal(client.objects["jobs/clip_mp4-0a1b2c3d/detected_clip.mp4"], []byte("video")) {
		t.Error("artifact not mirrored")
	}
	if got, _ := m.GetSummary(context.Background(), "clip_mp4-0a1b2c3d"); got == nil {
		t.Error("mirror should read through to the inner store")
	}
}

type failing struct{}

func (failing) PutSummary(context.Context, *Summary) error { return errors.New("down") }
func (failing) GetSummary(context.Context, string) (*Summary, error) {
	return nil, errors.New("down")
}

func TestMulti(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	m := Multi{failing{}, fs}

	if err := m.PutSummary(context.Background(), sample()); err == nil {
		t.Error("Multi should report the failing store")
	}
	got, err := m.GetSummary(context.Background(), "clip_mp4-0a1b2c3d")
	if err != nil || got == nil {
		t.Fatalf("Multi should fall through to the file store: %v, %v", got, err)
	}
}
