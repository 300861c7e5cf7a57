package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"google.golang.org/api/iterator"
)

// --- OCR Model Prompts ---
const OCRSystemPrompt = "You are a document transcription engine. Your task is to read a scanned document or image and return its text content exactly as printed. Accuracy and information preservation are of utmost importance."
const OCRUserPrompt = `You will be provided with a document that has no machine-readable text layer.

Follow these instructions:

Text: Transcribe all visible text in reading order. Do not summarise or translate.
Pages: Start every page with a line of the form "=== page N ===" where N is the 1-based page number.
Tables: Transcribe tables row by row, separating cells with " | ".
Logos and images: Do not describe them. Only transcribe any text they contain.
If the document contains no readable text at all, return an empty response.`

// --- Consistency Judge Prompts ---
const JudgeSystemPrompt = "You are a meticulous compliance reviewer. You compare statements inside a single document and report contradictions. You must output your response as valid JSON."

// VertexClient holds all pre-configured generative models for the app.
type VertexClient struct {
	ChatModelName string
	OCRModel      *genai.GenerativeModel
	JudgeModel    *genai.GenerativeModel
	baseClient    *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, chatModel, ocrModel string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the OCR model ---
	ocr := baseClient.GenerativeModel(ocrModel)
	ocr.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(OCRSystemPrompt)},
	}
	ocr.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	// --- Configure the judge model ---
	judge := baseClient.GenerativeModel(chatModel)
	judge.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(JudgeSystemPrompt)},
	}
	judge.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. The semantic auditor parses it.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		ChatModelName: chatModel,
		OCRModel:      ocr,
		JudgeModel:    judge,
		baseClient:    baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// Transcribe runs OCR over a stored object (gs:// URI) or inline bytes.
func (c *VertexClient) Transcribe(ctx context.Context, uri, mimeType string, inline []byte) (string, error) {
	var source genai.Part
	if uri != "" {
		source = genai.FileData{MIMEType: mimeType, FileURI: uri}
	} else {
		source = genai.Blob{MIMEType: mimeType, Data: inline}
	}

	resp, err := c.OCRModel.GenerateContent(ctx, source, genai.Text(OCRUserPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate transcription from gemini: %w", err)
	}
	return strings.TrimSpace(responseText(resp)), nil
}

// JudgeJSON asks the judge model a question about text and returns its JSON answer.
func (c *VertexClient) JudgeJSON(ctx context.Context, instruction, text string) (string, error) {
	resp, err := c.JudgeModel.GenerateContent(ctx, genai.Text(instruction), genai.Text(text))
	if err != nil {
		return "", fmt.Errorf("failed to generate judgement from gemini: %w", err)
	}
	out := llm.StripFences(responseText(resp))
	if out == "" {
		return "", fmt.Errorf("gemini returned an empty response instead of JSON")
	}
	return out, nil
}

// Stream runs a chat completion, forwarding every text chunk to onToken.
// A fresh model handle is built per call because SystemInstruction differs per turn.
func (c *VertexClient) Stream(ctx context.Context, messages []llm.Message, onToken func(string)) (string, error) {
	system, dialogue := llm.SplitSystem(messages)
	dialogue = llm.MergeRoles(dialogue)
	if len(dialogue) == 0 {
		return "", fmt.Errorf("vertex: no user message to send")
	}

	model := c.baseClient.GenerativeModel(c.ChatModelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	for _, m := range dialogue[:len(dialogue)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	last := dialogue[len(dialogue)-1]
	iter := cs.SendMessageStream(ctx, genai.Text(last.Content))

	var reply strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return reply.String(), fmt.Errorf("vertex: stream failed: %w", err)
		}
		chunk := responseText(resp)
		if chunk == "" {
			continue
		}
		reply.WriteString(chunk)
		if onToken != nil {
			onToken(chunk)
		}
	}
	return reply.String(), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
