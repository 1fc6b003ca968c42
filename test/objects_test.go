package test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/strata-dev/strata/core"
)

type ObjectsTestSuite struct {
	IntegrationTestSuite
}

func TestObjectsTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	suite.Run(t, &ObjectsTestSuite{})
}

func (s *ObjectsTestSuite) request(method, path string, body interface{}) (int, json.RawMessage) {
	payload := bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		payload = bytes.NewBuffer(data)
	}
	request, err := http.NewRequest(method, "http://"+s.ServerAddr+path, payload)
	s.Require().NoError(err)
	request.Header.Set("X-Master-Key", MasterKey)
	response, err := http.DefaultClient.Do(request)
	s.Require().NoError(err)
	defer response.Body.Close()
	var result json.RawMessage
	json.NewDecoder(response.Body).Decode(&result)
	return response.StatusCode, result
}

func (s *ObjectsTestSuite) TestObjectLifecycleOnPostgres() {
	status, body := s.request(http.MethodPost, "/classes/Note", map[string]interface{}{
		"fields": map[string]interface{}{"title": "integration", "pinned": true, "rank": 1},
	})
	s.Require().Equal(http.StatusCreated, status)
	var created core.Object
	s.Require().NoError(json.Unmarshal(body, &created))
	s.Equal(1, created.Revision)

	status, body = s.request(http.MethodGet, "/classes/Note/"+created.ID.String(), nil)
	s.Require().Equal(http.StatusOK, status)
	var got core.Object
	s.Require().NoError(json.Unmarshal(body, &got))
	s.Equal("integration", got.Fields["title"])

	status, body = s.request(http.MethodPut, "/classes/Note/"+created.ID.String(), map[string]interface{}{
		"set":   map[string]interface{}{"title": "updated"},
		"unset": []string{"rank"},
	})
	s.Require().Equal(http.StatusOK, status)
	var updated core.Object
	s.Require().NoError(json.Unmarshal(body, &updated))
	s.Equal("updated", updated.Fields["title"])
	s.NotContains(updated.Fields, "rank")
	s.Equal(2, updated.Revision)

	// equality constraints are pushed down to a jsonb containment filter
	where := url.QueryEscape(`{"title": "updated", "pinned": true}`)
	status, body = s.request(http.MethodGet, "/classes/Note?where="+where, nil)
	s.Require().Equal(http.StatusOK, status)
	var found []core.Object
	s.Require().NoError(json.Unmarshal(body, &found))
	s.Require().Len(found, 1)
	s.Equal(created.ID, found[0].ID)

	status, _ = s.request(http.MethodDelete, "/classes/Note/"+created.ID.String(), nil)
	s.Require().Equal(http.StatusNoContent, status)
	status, _ = s.request(http.MethodGet, "/classes/Note/"+created.ID.String(), nil)
	s.Equal(http.StatusNotFound, status)
}

func (s *ObjectsTestSuite) TestSchemaConflictSurvivesRestartPath() {
	status, _ := s.request(http.MethodPost, "/classes/Task", map[string]interface{}{
		"fields": map[string]interface{}{"estimate": 3},
	})
	s.Require().Equal(http.StatusCreated, status)

	// the inferred type is persisted through the registry table
	status, _ = s.request(http.MethodPost, "/classes/Task", map[string]interface{}{
		"fields": map[string]interface{}{"estimate": "three"},
	})
	s.Equal(http.StatusConflict, status)
}

func (s *ObjectsTestSuite) TestChangeStreamReachesKafka() {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.KafkaAddr},
		Topic:     ChangeTopic,
		Partition: 0,
		MaxWait:   time.Second,
	})
	defer reader.Close()
	s.Require().NoError(reader.SetOffset(kafka.LastOffset))

	status, body := s.request(http.MethodPost, "/classes/Note", map[string]interface{}{
		"fields": map[string]interface{}{"title": "streamed"},
	})
	s.Require().Equal(http.StatusCreated, status)
	var created core.Object
	s.Require().NoError(json.Unmarshal(body, &created))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	message, err := reader.ReadMessage(ctx)
	s.Require().NoError(err)
	s.Equal("Note", string(message.Key))

	var change struct {
		Class string       `json:"class"`
		Kind  string       `json:"kind"`
		After *core.Object `json:"after"`
	}
	s.Require().NoError(json.Unmarshal(message.Value, &change))
	s.Equal("Note", change.Class)
	s.Equal("create", change.Kind)
	s.Require().NotNil(change.After)
	s.Equal(created.ID, change.After.ID)
}

func (s *ObjectsTestSuite) TestLiveQueryOverWebsocket() {
	header := http.Header{}
	header.Set("X-Master-Key", MasterKey)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.ServerAddr+"/livequery", header)
	s.Require().NoError(err)
	defer conn.Close()

	s.Require().NoError(conn.WriteJSON(map[string]interface{}{
		"op":         "subscribe",
		"request_id": "1",
		"class":      "Note",
		"query":      map[string]interface{}{"where": map[string]interface{}{"pinned": true}},
	}))

	var acknowledgement struct {
		Op        string `json:"op"`
		RequestID string `json:"request_id"`
	}
	s.Require().NoError(conn.ReadJSON(&acknowledgement))
	s.Equal("subscribed", acknowledgement.Op)

	status, body := s.request(http.MethodPost, "/classes/Note", map[string]interface{}{
		"fields": map[string]interface{}{"title": fmt.Sprintf("live-%d", time.Now().UnixNano()), "pinned": true},
	})
	s.Require().Equal(http.StatusCreated, status)
	var created core.Object
	s.Require().NoError(json.Unmarshal(body, &created))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var delivery struct {
		Op        string `json:"op"`
		RequestID string `json:"request_id"`
		Event     struct {
			Kind     string       `json:"kind"`
			ObjectID string       `json:"object_id"`
			Object   *core.Object `json:"object"`
		} `json:"event"`
	}
	s.Require().NoError(conn.ReadJSON(&delivery))
	s.Equal("event", delivery.Op)
	s.Equal("1", delivery.RequestID)
	s.Equal("enter", delivery.Event.Kind)
	s.Equal(created.ID.String(), delivery.Event.ObjectID)
}
