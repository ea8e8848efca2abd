package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/teletrack/internal/broker/messages"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/BearBump/teletrack/internal/webhook"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func (s *ProducerSuite) TestNewProducer_PartitionsByTrackingNumber() {
	p := NewProducer([]string{"localhost:0"})
	w, ok := p.w.(*kafka.Writer)
	s.Require().True(ok)
	s.Require().IsType(&kafka.Hash{}, w.Balancer)

	partitions := []int{0, 1, 2, 3, 4, 5, 6, 7}
	first := w.Balancer.Balance(kafka.Message{Key: []byte("RR123456789CN")}, partitions...)
	for i := 0; i < 5; i++ {
		got := w.Balancer.Balance(kafka.Message{Key: []byte("RR123456789CN")}, partitions...)
		s.Require().Equal(first, got)
	}
	s.Require().NoError(p.Close())
}

func (s *ProducerSuite) TestPublish_TrackingUpdateIsDecodableAsPush() {
	pkg := models.PackageData{
		Number:    "RR123456789CN",
		Carrier:   3011,
		TrackInfo: json.RawMessage(`{"latest_status":{"status":"InTransit","sub_status":"InTransit_Other"}}`),
	}
	value, err := json.Marshal(messages.NewTrackingUpdated(pkg, time.Now()))
	s.Require().NoError(err)

	var sent kafka.Message
	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			return len(msgs) == 1
		})).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]kafka.Message)[0] }).
		Return(nil).
		Once()

	s.Require().NoError(s.p.Publish(context.Background(), messages.TopicTrackingUpdated, []byte(pkg.Number), value))
	s.wm.AssertExpectations(s.T())

	s.Require().Equal(messages.TopicTrackingUpdated, sent.Topic)
	s.Require().Equal(pkg.Number, string(sent.Key))

	ev, err := webhook.NewDecoder().Decode(sent.Value)
	s.Require().NoError(err)
	s.Require().Equal(webhook.EventTrackingUpdated, ev.Type)
	s.Require().Equal(pkg.Number, ev.Number())
}

func (s *ProducerSuite) TestPublish_ErrorKeepsCause() {
	want := errors.New("leader not available")
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(want).Once()

	err := s.p.Publish(context.Background(), messages.TopicTrackingUpdated, []byte("RR1"), []byte("{}"))
	s.Require().ErrorIs(err, want)
	s.Require().Contains(err.Error(), "kafka publish")
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestClose_WithoutCloserIsNoop() {
	s.Require().NoError(s.p.Close())
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}
