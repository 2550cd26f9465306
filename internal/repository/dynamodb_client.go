package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-orchestrator/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skMeta      = "META#"
	skTurn      = "TURN"
	skPrefixMsg = "MSG#"

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores all entities in one DynamoDB table.
//
//	SENDER#<id>    PROFILE          sender profile and active conversation
//	CONV#<id>      META#            conversation metadata
//	CONV#<id>      MSG#<ts>#<sid>   completed turn in conversation order
//	DELIVERY#<sid> TURN             turn keyed by delivery id
//	AUDIT#<sid>    <ts>#<id>        audit entries
type Client struct {
	api       dynamodbAPI
	tableName string
	turnTTL   time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTurnTTL expires delivery turn items after d. Zero keeps them forever.
func WithTurnTTL(d time.Duration) Option {
	return func(c *Client) {
		c.turnTTL = d
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func senderPK(senderID string) string { return "SENDER#" + senderID }

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string { return "CONV#" + conversationID }

func deliveryPK(deliveryID string) string { return "DELIVERY#" + deliveryID }

func auditPK(deliveryID string) string { return "AUDIT#" + deliveryID }

// msgSK orders history by the time the inbound turn was recorded. The
// delivery id suffix keeps the key stable across retried writes.
func msgSK(createdAt time.Time, deliveryID string) string {
	return skPrefixMsg + createdAt.UTC().Format(time.RFC3339Nano) + "#" + deliveryID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": str(pk), "SK": str(sk)}
}

// GetOrCreateSender creates the sender profile on first sight. Attributes of
// an existing profile are left untouched, so concurrent first messages map to
// the same row.
func (c *Client) GetOrCreateSender(ctx context.Context, s domain.Sender) (domain.Sender, error) {
	if strings.TrimSpace(s.ID) == "" {
		return domain.Sender{}, errors.New("repository: GetOrCreateSender: sender id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now()
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(senderPK(s.ID), skProfile),
		UpdateExpression: aws.String("SET senderId = if_not_exists(senderId, :id), " +
			"displayName = if_not_exists(displayName, :name), " +
			"allowListed = if_not_exists(allowListed, :allow), " +
			"active = if_not_exists(active, :active), " +
			"createdAt = if_not_exists(createdAt, :createdAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":        str(s.ID),
			":name":      str(s.DisplayName),
			":allow":     boolean(s.AllowListed),
			":active":    boolean(true),
			":createdAt": timestamp(s.CreatedAt),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.Sender{}, fmt.Errorf("repository: GetOrCreateSender: %w", err)
	}
	return itemToSender(out.Attributes)
}

// GetOrCreateConversation returns the sender's active conversation, creating
// one if the sender has none.
func (c *Client) GetOrCreateConversation(ctx context.Context, senderID string, now time.Time) (domain.Conversation, error) {
	if strings.TrimSpace(senderID) == "" {
		return domain.Conversation{}, errors.New("repository: GetOrCreateConversation: sender id is required")
	}
	candidate := newID()
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(senderPK(senderID), skProfile),
		UpdateExpression: aws.String("SET activeConversationId = if_not_exists(activeConversationId, :cid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": str(candidate),
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ReturnValues:        types.ReturnValueAllNew,
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation: sender %s: %w", senderID, ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation: %w", err)
	}
	conversationID := optStr(out.Attributes, "activeConversationId")
	conv := domain.Conversation{ID: conversationID, SenderID: senderID, Active: true, CreatedAt: now}
	if conversationID != candidate {
		return c.getConversation(ctx, conv)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil && !isConditionFailed(err) {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation put meta: %w", err)
	}
	return conv, nil
}

func (c *Client) getConversation(ctx context.Context, fallback domain.Conversation) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(convPK(fallback.ID), skMeta),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: get conversation %s: %w", fallback.ID, err)
	}
	if out == nil || len(out.Item) == 0 {
		// The profile points at a conversation whose meta write has not landed yet.
		return fallback, nil
	}
	return itemToConversation(out.Item)
}

// GetTurn reads the turn for a delivery id with a consistent read.
func (c *Client) GetTurn(ctx context.Context, deliveryID string) (domain.Turn, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(deliveryPK(deliveryID), skTurn),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Turn{}, false, fmt.Errorf("repository: GetTurn: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Turn{}, false, nil
	}
	t, err := itemToTurn(out.Item)
	if err != nil {
		return domain.Turn{}, false, fmt.Errorf("repository: GetTurn decode: %w", err)
	}
	return t, true, nil
}

// CreateTurn records a turn for the first time. It returns ErrConflict when
// the delivery id has been seen before.
func (c *Client) CreateTurn(ctx context.Context, t domain.Turn) error {
	if t.DeliveryID == "" {
		return errors.New("repository: CreateTurn: delivery id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.turnItem(t),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("repository: CreateTurn: %w", err)
	}
	return nil
}

// ClaimTurn replaces a pending turn whose claim was taken at or before
// staleBefore, handing it to the attempt identified by t.ClaimToken.
// Repeating a claim with the same token succeeds, so the write may be retried.
func (c *Client) ClaimTurn(ctx context.Context, t domain.Turn, staleBefore time.Time) error {
	if t.DeliveryID == "" || t.ClaimToken == "" {
		return errors.New("repository: ClaimTurn: delivery id and claim token are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.turnItem(t),
		ConditionExpression: aws.String("attribute_exists(PK) AND (claimToken = :token OR " +
			"(#status = :pending AND (attribute_not_exists(claimedAtMs) OR claimedAtMs <= :stale)))"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token":   str(t.ClaimToken),
			":pending": str(string(domain.TurnPending)),
			":stale":   number(staleBefore.UnixMilli()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: ClaimTurn %s: %w", t.DeliveryID, ErrConflict)
		}
		return fmt.Errorf("repository: ClaimTurn: %w", err)
	}
	return nil
}

// FinishTurn moves a pending turn to its terminal state. Only the attempt
// holding the claim may finish it. A completed turn is also added to the
// conversation history in the same transaction. Retrying with the same
// terminal state is a no-op rewrite.
func (c *Client) FinishTurn(ctx context.Context, t domain.Turn) error {
	if t.DeliveryID == "" {
		return errors.New("repository: FinishTurn: delivery id is required")
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("repository: FinishTurn: status %q is not terminal", t.Status)
	}

	cond := "attribute_exists(PK) AND (#status = :pending OR #status = :final)"
	values := map[string]types.AttributeValue{
		":pending": str(string(domain.TurnPending)),
		":final":   str(string(t.Status)),
	}
	if t.ClaimToken != "" {
		cond += " AND claimToken = :token"
		values[":token"] = str(t.ClaimToken)
	}
	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                c.turnItem(t),
				ConditionExpression: aws.String(cond),
				ExpressionAttributeNames: map[string]string{
					"#status": "status",
				},
				ExpressionAttributeValues: values,
			},
		},
	}
	if ct, ok := t.ContextTurn(); ok && t.ConversationID != "" {
		items = append(items,
			types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      historyItem(t, ct),
				},
			},
			types.TransactWriteItem{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              key(convPK(t.ConversationID), skMeta),
					UpdateExpression: aws.String("SET lastActivity = :at"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":at": timestamp(t.ProcessedAt),
					},
				},
			},
		)
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 0 &&
			aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("repository: FinishTurn %s: %w", t.DeliveryID, ErrConflict)
		}
		return fmt.Errorf("repository: FinishTurn: %w", err)
	}
	return nil
}

// UpdateDelivery records the outcome of sending the reply for a turn.
func (c *Client) UpdateDelivery(ctx context.Context, deliveryID string, status domain.DeliveryStatus, outcome domain.Outcome) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(deliveryPK(deliveryID), skTurn),
		UpdateExpression: aws.String("SET deliveryStatus = :ds, outcomeKind = :ok, outcomeText = :ot, " +
			"outcomeRetryAfterMs = :ora, outcomeReason = :orr"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ds":  str(string(status)),
			":ok":  str(string(outcome.Kind)),
			":ot":  str(outcome.Text),
			":ora": number(outcome.RetryAfter.Milliseconds()),
			":orr": str(outcome.Reason),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: UpdateDelivery %s: %w", deliveryID, ErrNotFound)
		}
		return fmt.Errorf("repository: UpdateDelivery: %w", err)
	}
	return nil
}

// LoadContext queries the most recent completed turns of a conversation and
// returns them in chronological order.
func (c *Client) LoadContext(ctx context.Context, conversationID string, limit int) ([]domain.ContextTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(convPK(conversationID)),
			":prefix": str(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadContext query: %w", err)
	}

	turns := make([]domain.ContextTurn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToContextTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadContext unmarshal: %w", err)
		}
		if t.Input == "" || t.Response == "" {
			continue
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// WriteAudit stores an audit entry. Entries are append-only.
func (c *Client) WriteAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         str(auditPK(e.DeliveryID)),
			"SK":         str(e.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + e.ID),
			"auditId":    str(e.ID),
			"deliveryId": str(e.DeliveryID),
			"senderId":   str(e.SenderID),
			"action":     str(e.Action),
			"detail":     str(e.Detail),
			"createdAt":  timestamp(e.CreatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: WriteAudit: %w", err)
	}
	return nil
}

func (c *Client) turnItem(t domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                  str(deliveryPK(t.DeliveryID)),
		"SK":                  str(skTurn),
		"deliveryId":          str(t.DeliveryID),
		"conversationId":      str(t.ConversationID),
		"senderId":            str(t.SenderID),
		"direction":           str(string(t.Direction)),
		"kind":                str(t.Kind.String()),
		"content":             str(t.Content),
		"mediaLocator":        str(t.MediaLocator),
		"mediaContentType":    str(t.MediaContentType),
		"response":            str(t.Response),
		"model":               str(t.Model),
		"promptTokens":        number(int64(t.PromptTokens)),
		"completionTokens":    number(int64(t.CompletionTokens)),
		"status":              str(string(t.Status)),
		"processed":           boolean(t.Processed),
		"errorMessage":        str(t.ErrorMessage),
		"outcomeKind":         str(string(t.Outcome.Kind)),
		"outcomeText":         str(t.Outcome.Text),
		"outcomeRetryAfterMs": number(t.Outcome.RetryAfter.Milliseconds()),
		"outcomeReason":       str(t.Outcome.Reason),
		"deliveryStatus":      str(string(t.DeliveryStatus)),
		"claimToken":          str(t.ClaimToken),
		"createdAt":           timestamp(t.CreatedAt),
	}
	if !t.ProcessedAt.IsZero() {
		item["processedAt"] = timestamp(t.ProcessedAt)
	}
	if !t.ClaimedAt.IsZero() {
		item["claimedAtMs"] = number(t.ClaimedAt.UnixMilli())
	}
	if c.turnTTL > 0 {
		item["ttl"] = number(t.CreatedAt.Add(c.turnTTL).Unix())
	}
	return item
}

func historyItem(t domain.Turn, ct domain.ContextTurn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             str(convPK(t.ConversationID)),
		"SK":             str(msgSK(t.CreatedAt, t.DeliveryID)),
		"conversationId": str(t.ConversationID),
		"deliveryId":     str(t.DeliveryID),
		"text":           str(ct.Input),
		"answer":         str(ct.Response),
		"kind":           str(t.Kind.String()),
		"status":         str(string(t.Status)),
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             str(convPK(conv.ID)),
		"SK":             str(skMeta),
		"conversationId": str(conv.ID),
		"senderId":       str(conv.SenderID),
		"active":         boolean(conv.Active),
		"createdAt":      timestamp(conv.CreatedAt),
		"lastActivity":   timestamp(conv.CreatedAt),
	}
}

func itemToSender(item map[string]types.AttributeValue) (domain.Sender, error) {
	id, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Sender{}, fmt.Errorf("repository: decode sender: %w", err)
	}
	return domain.Sender{
		ID:                   id,
		DisplayName:          optStr(item, "displayName"),
		AllowListed:          optBool(item, "allowListed"),
		Active:               optBool(item, "active"),
		ActiveConversationID: optStr(item, "activeConversationId"),
		CreatedAt:            optTime(item, "createdAt"),
	}, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: decode conversation: %w", err)
	}
	return domain.Conversation{
		ID:        id,
		SenderID:  optStr(item, "senderId"),
		Active:    optBool(item, "active"),
		CreatedAt: optTime(item, "createdAt"),
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	deliveryID, err := strAttr(item, "deliveryId")
	if err != nil {
		return domain.Turn{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Turn{}, err
	}
	kind, _ := domain.ParseContentKind(optStr(item, "kind"))
	return domain.Turn{
		DeliveryID:       deliveryID,
		ConversationID:   optStr(item, "conversationId"),
		SenderID:         optStr(item, "senderId"),
		Direction:        domain.Direction(optStr(item, "direction")),
		Kind:             kind,
		Content:          optStr(item, "content"),
		MediaLocator:     optStr(item, "mediaLocator"),
		MediaContentType: optStr(item, "mediaContentType"),
		Response:         optStr(item, "response"),
		Model:            optStr(item, "model"),
		PromptTokens:     int(optInt(item, "promptTokens")),
		CompletionTokens: int(optInt(item, "completionTokens")),
		Status:           domain.TurnStatus(status),
		Processed:        optBool(item, "processed"),
		ErrorMessage:     optStr(item, "errorMessage"),
		Outcome: domain.Outcome{
			Kind:       domain.OutcomeKind(optStr(item, "outcomeKind")),
			Text:       optStr(item, "outcomeText"),
			RetryAfter: time.Duration(optInt(item, "outcomeRetryAfterMs")) * time.Millisecond,
			Reason:     optStr(item, "outcomeReason"),
		},
		DeliveryStatus: domain.DeliveryStatus(optStr(item, "deliveryStatus")),
		CreatedAt:      optTime(item, "createdAt"),
		ProcessedAt:    optTime(item, "processedAt"),
		ClaimToken:     optStr(item, "claimToken"),
		ClaimedAt:      optMillis(item, "claimedAtMs"),
	}, nil
}

func itemToContextTurn(item map[string]types.AttributeValue) (domain.ContextTurn, error) {
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ContextTurn{}, err
	}
	return domain.ContextTurn{
		DeliveryID: optStr(item, "deliveryId"),
		Input:      text,
		Response:   optStr(item, "answer"),
	}, nil
}

func isConditionFailed(err error) bool {
	var cond *types.ConditionalCheckFailedException
	return errors.As(err, &cond)
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func number(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func boolean(v bool) types.AttributeValue { return &types.AttributeValueMemberBOOL{Value: v} }

func timestamp(t time.Time) types.AttributeValue {
	return str(t.UTC().Format(time.RFC3339Nano))
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func optInt(item map[string]types.AttributeValue, key string) int64 {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func optBool(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

func optMillis(item map[string]types.AttributeValue, key string) time.Time {
	ms := optInt(item, key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optTime(item map[string]types.AttributeValue, key string) time.Time {
	s := optStr(item, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
