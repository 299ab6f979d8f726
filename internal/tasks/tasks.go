package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // registered for image.Decode
	"image/jpeg"
	_ "image/png" // registered for image.Decode
	"io"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"

	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/email"
	"github.com/hhc777/youlin/internal/services"
)

// Task types handled by the background workers.
const (
	TypeEmailDelivery = "email:deliver"
	TypePhotoProcess  = "photo:process"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg            *config.Config
	emailSender    email.Sender
	listingService services.IListingService
	s3Client       *s3.Client
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	listingService services.IListingService,
	s3Client *s3.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:            cfg,
		emailSender:    emailSender,
		listingService: listingService,
		s3Client:       s3Client,
	}
}

// SetupServer configures and returns an Asynq server instance.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isPhotoWorker bool, isBgWorker bool) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"photos":   5, // Separate queue for photo processing
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				fmt.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v\n", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	if isBgWorker {
		mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
		fmt.Println("Registered background task handlers.")
	}

	if isPhotoWorker {
		mux.HandleFunc(TypePhotoProcess, processor.HandlePhotoProcessTask)
		fmt.Println("Registered photo processing task handlers.")
	}

	if !isBgWorker && !isPhotoWorker {
		// API mode doesn't run a task server, but can still enqueue tasks
		fmt.Println("Running in API mode, no task server started.")
		return nil, nil
	}

	return srv, mux
}

// --- Task Handlers ---

// EmailTaskPayload carries everything the email delivery handler needs.
type EmailTaskPayload struct {
	To         string                 `json:"to"`
	TemplateID string                 `json:"template_id"`
	Data       map[string]interface{} `json:"data"`
}

// emailTemplate is a built-in notification template. Placeholders of the
// form {{.key}} are replaced from the task payload's Data map.
type emailTemplate struct {
	Subject string
	Body    string
}

var emailTemplates = map[string]emailTemplate{
	string(email.ActionWelcome): {
		Subject: "Welcome to {{.app_name}}",
		Body: "Hi {{.name}},\n\n" +
			"Your account is ready. Post an offer to share something with your neighbours, " +
			"or browse what others are giving away in {{.city}}.\n\n" +
			"Sharing earns energy; asking spends it.\n",
	},
	string(email.ActionNewMessage): {
		Subject: "New message about \"{{.listing_title}}\"",
		Body: "Hi {{.name}},\n\n" +
			"{{.sender_name}} wrote to you about \"{{.listing_title}}\":\n\n" +
			"{{.preview}}\n\n" +
			"Open your inbox to reply.\n",
	},
	string(email.ActionSuspension): {
		Subject: "Your account has been suspended",
		Body: "Hi {{.name}},\n\n" +
			"Your account has been suspended by a moderator. " +
			"You will not be able to sign in until it is restored.\n",
	},
	string(email.ActionUnsuspension): {
		Subject: "Your account has been restored",
		Body: "Hi {{.name}},\n\n" +
			"Your account has been restored. You can sign in again.\n",
	},
}

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	fmt.Printf("Sending email task: To=%s, Template=%s\n", payload.To, payload.TemplateID)

	tmpl, ok := emailTemplates[payload.TemplateID]
	if !ok {
		// Non-retryable if template not found
		return fmt.Errorf("email template %q not found: %w", payload.TemplateID, asynq.SkipRetry)
	}

	subjectRendered, bodyRendered := renderTemplate(tmpl, payload.Data)

	fromAddress := p.cfg.SmtpFromAddress
	if fromAddress == "" {
		fromAddress = "noreply@example.com"
		log.Printf("Warning: SmtpFromAddress not configured, using fallback %s for email to %s", fromAddress, payload.To)
	}

	// Basic email structure with essential headers.
	// Note: Proper MIME encoding for HTML or attachments would be more complex.
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", payload.To))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", fromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subjectRendered))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n") // End of headers
	sb.WriteString(bodyRendered)
	sb.WriteString("\r\n")

	rawMessage := []byte(sb.String())

	if err := p.emailSender.Send(ctx, []string{payload.To}, subjectRendered, rawMessage); err != nil {
		fmt.Printf("Email sending failed (will retry): %v\n", err)
		return err
	}

	fmt.Printf("Email task processed successfully: To=%s, Template=%s\n", payload.To, payload.TemplateID)
	return nil
}

// renderTemplate substitutes {{.key}} placeholders in the subject and
// body from the data map.
func renderTemplate(tmpl emailTemplate, data map[string]interface{}) (string, string) {
	subject := tmpl.Subject
	body := tmpl.Body
	for key, val := range data {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		valueStr := fmt.Sprintf("%v", val)
		subject = strings.ReplaceAll(subject, placeholder, valueStr)
		body = strings.ReplaceAll(body, placeholder, valueStr)
	}
	return subject, body
}

// PhotoTaskPayload identifies an uploaded listing photo to normalize.
type PhotoTaskPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
}

// HandlePhotoProcessTask downloads an uploaded photo, enforces the size
// ceiling, shrinks it to fit the configured maximum dimension and
// attaches the resulting key to the listing.
func (p *TaskProcessor) HandlePhotoProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload PhotoTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal photo task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ListingID == "" || payload.S3Key == "" {
		return fmt.Errorf("photo task payload missing listing_id or s3_key: %w", asynq.SkipRetry)
	}

	log.Printf("Processing photo task: S3Key=%s, ListingID=%s\n", payload.S3Key, payload.ListingID)

	// 1. Download photo from S3
	getObjectOutput, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.AwsS3Bucket),
		Key:    aws.String(payload.S3Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			log.Printf("S3 object %s not found, likely upload failed or key incorrect.", payload.S3Key)
			return fmt.Errorf("s3 object not found: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("failed to download photo from S3: %w", err)
	}
	defer getObjectOutput.Body.Close()

	imgData, err := io.ReadAll(getObjectOutput.Body)
	if err != nil {
		return fmt.Errorf("failed to read photo data for key %s: %w", payload.S3Key, err)
	}

	// Check size before decoding
	maxSizeBytes := int64(p.cfg.PhotoMaxSizeMB) * 1024 * 1024
	if int64(len(imgData)) > maxSizeBytes {
		log.Printf("Photo %s exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(imgData), maxSizeBytes)
		return fmt.Errorf("photo exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		return fmt.Errorf("unsupported image format or corrupt photo: %w", asynq.SkipRetry)
	}
	log.Printf("Decoded photo %s, format: %s, size: %dx%d", payload.S3Key, format, img.Bounds().Dx(), img.Bounds().Dy())

	// 2. Check dimensions
	maxWidth := uint(p.cfg.PhotoMaxDimension)
	maxHeight := uint(p.cfg.PhotoMaxDimension)
	needsResize := uint(img.Bounds().Dx()) > maxWidth || uint(img.Bounds().Dy()) > maxHeight

	processedKey := payload.S3Key
	var processedData []byte
	contentType := aws.ToString(getObjectOutput.ContentType)

	// 3. Resize if needed
	if needsResize {
		log.Printf("Resizing photo %s (original: %dx%d, max: %dx%d)", payload.S3Key, img.Bounds().Dx(), img.Bounds().Dy(), maxWidth, maxHeight)
		resizedImg := resize.Thumbnail(maxWidth, maxHeight, img, resize.Lanczos3)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resizedImg, &jpeg.Options{Quality: 85}); err != nil {
			return fmt.Errorf("failed to re-encode resized photo: %w", err)
		}
		processedData = buf.Bytes()
		contentType = "image/jpeg"
		log.Printf("Resized photo %s to %dx%d", payload.S3Key, resizedImg.Bounds().Dx(), resizedImg.Bounds().Dy())

		if int64(len(processedData)) > maxSizeBytes {
			log.Printf("Resized photo %s still exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(processedData), maxSizeBytes)
			return fmt.Errorf("resized photo still exceeds max size: %w", asynq.SkipRetry)
		}
	} else {
		processedData = imgData
	}

	// 4. Upload processed photo (overwrite original)
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(processedKey),
		Body:        bytes.NewReader(processedData),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload processed photo: %w", err)
	}

	// 5. Attach the key to the listing
	if err := p.listingService.AddPhotoToListing(ctx, payload.ListingID, processedKey); err != nil {
		return fmt.Errorf("failed to update listing with processed photo: %w", err)
	}

	log.Printf("Photo task processed successfully: Key=%s, ListingID=%s", processedKey, payload.ListingID)
	return nil
}
